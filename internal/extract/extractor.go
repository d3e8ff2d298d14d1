// Package extract scans raw text for structured threat indicators.
// Extraction is deterministic: the same input always yields the same
// indicator set, independent of scan direction or map iteration order.
package extract

import (
	"net"
	"regexp"
	"sort"
	"strings"
)

// Kind identifies the indicator class.
type Kind string

const (
	KindIPv4   Kind = "ipv4"
	KindDomain Kind = "domain"
	KindURL    Kind = "url"
	KindEmail  Kind = "email"
	KindMD5    Kind = "hash_md5"
	KindSHA1   Kind = "hash_sha1"
	KindSHA256 Kind = "hash_sha256"
	KindCVE    Kind = "cve"
)

// kindPriority resolves overlapping matches. Lower value wins. Fixed at
// build time so results do not depend on input order.
var kindPriority = map[Kind]int{
	KindURL:    0,
	KindEmail:  1,
	KindCVE:    2,
	KindSHA256: 3,
	KindSHA1:   4,
	KindMD5:    5,
	KindIPv4:   6,
	KindDomain: 7,
}

// Indicator is a single structured fact extracted from text. Immutable
// after creation.
type Indicator struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
	Start int    `json:"start"` // byte offset of the match in the source text
	End   int    `json:"end"`
}

// Config holds extractor settings.
type Config struct {
	// BenignDomains are well-known domains excluded by exact suffix
	// match to reduce noise. Compared lower-cased.
	BenignDomains []string `yaml:"benign_domains"`

	// MaxTextBytes caps the scanned input. Longer text is truncated at
	// the cap, never rejected.
	MaxTextBytes int `yaml:"max_text_bytes"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BenignDomains: []string{
			"google.com",
			"microsoft.com",
			"apple.com",
			"amazon.com",
			"cloudflare.com",
			"github.com",
			"example.com",
			"example.org",
			"w3.org",
		},
		MaxTextBytes: 4 * 1024 * 1024,
	}
}

var (
	reIPv4   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	reDomain = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	reURL    = regexp.MustCompile(`\bhttps?://[^\s"'<>]+`)
	reEmail  = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@(?:[a-zA-Z0-9-]+\.)+[a-zA-Z]{2,}\b`)
	reHex    = regexp.MustCompile(`\b[a-fA-F0-9]{32,64}\b`)
	reCVE    = regexp.MustCompile(`\bCVE-\d{4}-\d{4,}\b`)
)

// privateNets are the ranges rejected unconditionally for IPv4 matches:
// loopback, link-local, RFC1918 and the unspecified block.
var privateNets = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

func mustParseCIDRs(blocks ...string) []*net.IPNet {
	nets := make([]*net.IPNet, 0, len(blocks))
	for _, b := range blocks {
		_, n, err := net.ParseCIDR(b)
		if err != nil {
			panic("extract: bad builtin CIDR " + b)
		}
		nets = append(nets, n)
	}
	return nets
}

// Extractor applies the pattern rules and exclusion filters.
type Extractor struct {
	config       Config
	benignSuffix []string
	benignExact  map[string]struct{}
}

// New creates an extractor from config. A zero BenignDomains list disables
// the domain allow-list entirely.
func New(cfg Config) *Extractor {
	if cfg.MaxTextBytes == 0 {
		cfg.MaxTextBytes = DefaultConfig().MaxTextBytes
	}
	e := &Extractor{
		config:      cfg,
		benignExact: make(map[string]struct{}, len(cfg.BenignDomains)),
	}
	for _, d := range cfg.BenignDomains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == "" {
			continue
		}
		e.benignExact[d] = struct{}{}
		e.benignSuffix = append(e.benignSuffix, "."+d)
	}
	return e
}

// Extract scans text and returns the de-duplicated indicator set.
// Malformed or empty input yields an empty set, never an error.
func (e *Extractor) Extract(text string) []Indicator {
	if text == "" {
		return nil
	}
	if len(text) > e.config.MaxTextBytes {
		text = text[:e.config.MaxTextBytes]
	}

	var found []Indicator
	found = append(found, e.matchURLs(text)...)
	found = append(found, e.matchEmails(text)...)
	found = append(found, e.matchCVEs(text)...)
	found = append(found, e.matchHashes(text)...)
	found = append(found, e.matchIPs(text)...)
	found = append(found, e.matchDomains(text)...)

	return dedupe(resolveOverlaps(found))
}

func (e *Extractor) matchURLs(text string) []Indicator {
	var out []Indicator
	for _, loc := range reURL.FindAllStringIndex(text, -1) {
		raw := strings.TrimRight(text[loc[0]:loc[1]], ".,;)")
		out = append(out, Indicator{Kind: KindURL, Value: raw, Start: loc[0], End: loc[0] + len(raw)})
	}
	return out
}

func (e *Extractor) matchEmails(text string) []Indicator {
	var out []Indicator
	for _, loc := range reEmail.FindAllStringIndex(text, -1) {
		out = append(out, Indicator{
			Kind:  KindEmail,
			Value: strings.ToLower(text[loc[0]:loc[1]]),
			Start: loc[0],
			End:   loc[1],
		})
	}
	return out
}

func (e *Extractor) matchCVEs(text string) []Indicator {
	var out []Indicator
	for _, loc := range reCVE.FindAllStringIndex(text, -1) {
		out = append(out, Indicator{
			Kind:  KindCVE,
			Value: strings.ToUpper(text[loc[0]:loc[1]]),
			Start: loc[0],
			End:   loc[1],
		})
	}
	return out
}

// matchHashes classifies hex runs purely by exact length. Ambiguous
// lengths are skipped rather than guessed.
func (e *Extractor) matchHashes(text string) []Indicator {
	var out []Indicator
	for _, loc := range reHex.FindAllStringIndex(text, -1) {
		value := strings.ToLower(text[loc[0]:loc[1]])
		var kind Kind
		switch len(value) {
		case 32:
			kind = KindMD5
		case 40:
			kind = KindSHA1
		case 64:
			kind = KindSHA256
		default:
			continue
		}
		out = append(out, Indicator{Kind: kind, Value: value, Start: loc[0], End: loc[1]})
	}
	return out
}

func (e *Extractor) matchIPs(text string) []Indicator {
	var out []Indicator
	for _, loc := range reIPv4.FindAllStringIndex(text, -1) {
		value := text[loc[0]:loc[1]]
		ip := net.ParseIP(value)
		if ip == nil {
			continue // octets out of range
		}
		if isPrivate(ip) {
			continue
		}
		out = append(out, Indicator{Kind: KindIPv4, Value: value, Start: loc[0], End: loc[1]})
	}
	return out
}

func (e *Extractor) matchDomains(text string) []Indicator {
	var out []Indicator
	for _, loc := range reDomain.FindAllStringIndex(text, -1) {
		value := strings.ToLower(text[loc[0]:loc[1]])
		if reIPv4.MatchString(value) {
			continue // dotted quads match the label pattern too
		}
		if !validTLD(value) {
			continue
		}
		if e.isBenign(value) {
			continue
		}
		out = append(out, Indicator{Kind: KindDomain, Value: value, Start: loc[0], End: loc[1]})
	}
	return out
}

// validTLD rejects pseudo-domains like file names: the final label must
// not be a known file extension and must be at least two letters.
func validTLD(domain string) bool {
	i := strings.LastIndex(domain, ".")
	if i < 0 || i == len(domain)-1 {
		return false
	}
	tld := domain[i+1:]
	switch tld {
	case "exe", "dll", "bat", "ps1", "txt", "log", "zip", "tmp", "dat", "bin", "sys", "ini", "cfg", "yaml", "yml", "json", "xml", "html", "php", "asp", "aspx", "jsp", "js", "py", "sh", "go", "md":
		return false
	}
	return len(tld) >= 2
}

func (e *Extractor) isBenign(domain string) bool {
	if _, ok := e.benignExact[domain]; ok {
		return true
	}
	for _, suffix := range e.benignSuffix {
		if strings.HasSuffix(domain, suffix) {
			return true
		}
	}
	return false
}

func isPrivate(ip net.IP) bool {
	for _, n := range privateNets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// resolveOverlaps drops any match whose span is contained in the span of a
// higher-priority match. Ties on identical spans also go to priority.
func resolveOverlaps(in []Indicator) []Indicator {
	if len(in) < 2 {
		return in
	}
	sort.SliceStable(in, func(i, j int) bool {
		if in[i].Start != in[j].Start {
			return in[i].Start < in[j].Start
		}
		if in[i].End != in[j].End {
			return in[i].End > in[j].End
		}
		return kindPriority[in[i].Kind] < kindPriority[in[j].Kind]
	})

	out := in[:0]
	for _, cand := range in {
		shadowed := false
		for _, kept := range out {
			if cand.Start >= kept.Start && cand.End <= kept.End &&
				kindPriority[kept.Kind] < kindPriority[cand.Kind] {
				shadowed = true
				break
			}
		}
		if !shadowed {
			out = append(out, cand)
		}
	}
	return out
}

// dedupe removes repeated (kind, value) pairs, keeping the first span seen.
func dedupe(in []Indicator) []Indicator {
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, ind := range in {
		key := string(ind.Kind) + "|" + ind.Value
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, ind)
	}
	return out
}
