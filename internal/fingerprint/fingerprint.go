// Package fingerprint computes a stable identity key for a Request and
// answers "seen before?" with an approximate membership filter backed by an
// authoritative set, per spec §4.1.
package fingerprint

import (
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Key is a 128-bit fingerprint, split across two uint64 halves.
type Key [2]uint64

// absentBodyToken is a distinguished marker distinct from the hash of any
// real byte slice, including an empty one — spec §4.1's "body fingerprint
// of absent body is a distinguished constant, not the hash of empty bytes".
const absentBodyToken = "\x00ABSENT-BODY\x00"

// Compute derives the fingerprint for one (method, url, body) triple. body
// being nil means "no body was supplied"; a non-nil empty slice is a
// distinct, present-but-empty body.
func Compute(method, rawURL string, body []byte) Key {
	norm := NormalizeURL(rawURL)
	var bodyTok string
	if body == nil {
		bodyTok = absentBodyToken
	} else {
		bodyTok = string(xxhashBytes(body))
	}

	data := strings.ToUpper(method) + "\x01" + norm + "\x01" + bodyTok
	h1 := xxhash.Sum64String(data)
	h2 := xxhash.Sum64String(data + "\x02")
	return Key{h1, h2}
}

func xxhashBytes(b []byte) []byte {
	h := xxhash.Sum64(b)
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(h >> (8 * i))
	}
	return out
}

// NormalizeURL canonicalizes a URL per spec §4.1: lowercase host, drop
// default port, strip fragment, sort query parameters by key then value,
// percent-decode then re-encode in canonical form, preserve path case. A
// trailing slash (other than the root path) is also stripped, matching the
// dedup convention this codebase's sibling scraping components use (see
// DESIGN.md / SPEC_FULL.md §11). NormalizeURL is idempotent.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	host := u.Hostname()
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = host
	}

	// Round-trip the path through percent-decode/re-encode in canonical
	// form while preserving case.
	if p, err := url.PathUnescape(u.Path); err == nil {
		u.Path = p
	}

	if u.RawQuery != "" || strings.Contains(rawURL, "?") {
		u.RawQuery = canonicalQuery(u.Query())
	}
	// "?" with nothing after it parses with ForceQuery=true; since empty
	// query must normalize identically to no query at all, always let
	// RawQuery (now canonical) drive whether "?" appears.
	u.ForceQuery = false

	if u.Path != "/" && strings.HasSuffix(u.Path, "/") {
		u.Path = strings.TrimRight(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}

	return u.String()
}

// canonicalQuery sorts query parameters by key then value. Empty query
// (no keys at all) is represented as "" so that "?" and no-query normalize
// identically. Duplicate keys preserve every value: "?a=&a=" keeps both
// "a=" entries, sorted.
func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var pairs []string
	for _, k := range keys {
		vals := append([]string(nil), values[k]...)
		sort.Strings(vals)
		for _, v := range vals {
			pairs = append(pairs, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}
	return strings.Join(pairs, "&")
}

// Outcome is the result of a Register call.
type Outcome int

const (
	New Outcome = iota
	Duplicate
)

// Set combines a bloom filter with an authoritative key set. register is
// O(1) expected, never blocks (beyond a short in-memory lock), and never
// fails — the durable persistence of the authoritative set is the
// Checkpointer's job, not this package's.
type Set struct {
	mu      sync.Mutex
	filter  *bloomFilter
	seen    map[Key]struct{}
}

// New creates a Set sized for expectedN insertions at the given target
// false-positive rate.
func New(expectedN int, falsePositiveRate float64) *Set {
	return &Set{
		filter: newBloomFilter(expectedN, falsePositiveRate),
		seen:   make(map[Key]struct{}, expectedN),
	}
}

// Register atomically records key as seen and reports whether it was
// already present.
func (s *Set) Register(key Key) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw := keyBytes(key)
	if !s.filter.MightContain(raw) {
		s.filter.Add(raw)
		s.seen[key] = struct{}{}
		return New
	}

	// Positive filter answer: confirm against the authoritative set.
	if _, ok := s.seen[key]; ok {
		return Duplicate
	}
	// False positive: genuinely new.
	s.filter.Add(raw)
	s.seen[key] = struct{}{}
	return New
}

// Contains reports membership without mutating state (used by Checkpoint
// restore validation).
func (s *Set) Contains(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[key]
	return ok
}

// Import seeds the authoritative set (and filter) from a prior checkpoint,
// without going through Register's NEW/DUPLICATE bookkeeping.
func (s *Set) Import(keys []Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		raw := keyBytes(k)
		s.filter.Add(raw)
		s.seen[k] = struct{}{}
	}
}

// Export returns every key currently recorded as seen, for checkpoint
// serialization.
func (s *Set) Export() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Key, 0, len(s.seen))
	for k := range s.seen {
		out = append(out, k)
	}
	return out
}

// Count returns the number of distinct keys seen.
func (s *Set) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func keyBytes(k Key) []byte {
	b := make([]byte, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(k[0] >> (8 * i))
		b[8+i] = byte(k[1] >> (8 * i))
	}
	return b
}
