package fingerprint

import "testing"

func TestNormalizeURLIdempotent(t *testing.T) {
	cases := []string{
		"https://A.Test:443/x?b=2&a=1",
		"http://Example.com:80/foo/",
		"https://x.test/path?a=&a=",
		"https://x.test/Path/To/Thing",
	}
	for _, raw := range cases {
		once := NormalizeURL(raw)
		twice := NormalizeURL(once)
		if once != twice {
			t.Errorf("NormalizeURL not idempotent for %q: once=%q twice=%q", raw, once, twice)
		}
	}
}

func TestNormalizeURLDedupEquivalence(t *testing.T) {
	a := NormalizeURL("https://a.test/x")
	b := NormalizeURL("https://A.TEST:443/x?")
	if a != b {
		t.Errorf("expected equivalent normalization, got %q vs %q", a, b)
	}
}

func TestNormalizeURLEmptyQueryEquivalence(t *testing.T) {
	a := NormalizeURL("https://a.test/x")
	b := NormalizeURL("https://a.test/x?")
	if a != b {
		t.Errorf("empty query should be equivalent to no query: %q vs %q", a, b)
	}
}

func TestNormalizeURLPreservesDuplicateQueryKeys(t *testing.T) {
	got := NormalizeURL("https://a.test/x?a=&a=")
	want := NormalizeURL("https://a.test/x?a=&a=") // self-consistency check
	if got != want {
		t.Fatalf("non-deterministic normalization")
	}
	if got != "https://a.test/x?a=&a=" {
		t.Errorf("expected both empty a= entries preserved, got %q", got)
	}
}

func TestNormalizeURLSortsQueryKeys(t *testing.T) {
	got := NormalizeURL("https://a.test/x?b=2&a=1")
	want := "https://a.test/x?a=1&b=2"
	if got != want {
		t.Errorf("got %q want %q", got, want)
	}
}

func TestComputeAbsentVsEmptyBody(t *testing.T) {
	absent := Compute("GET", "https://a.test/x", nil)
	empty := Compute("GET", "https://a.test/x", []byte{})
	if absent == empty {
		t.Error("absent body and empty body must produce different fingerprints")
	}
}

func TestComputeDeterministic(t *testing.T) {
	k1 := Compute("GET", "https://a.test/x?b=2&a=1", []byte("body"))
	k2 := Compute("get", "https://A.test:443/x?a=1&b=2", []byte("body"))
	if k1 != k2 {
		t.Errorf("expected equal fingerprints for equivalent requests, got %v vs %v", k1, k2)
	}
}

func TestRegisterNewThenDuplicate(t *testing.T) {
	s := New(1000, 0.01)
	k := Compute("GET", "https://a.test/x", nil)

	if out := s.Register(k); out != New {
		t.Fatalf("first register: want New, got %v", out)
	}
	if out := s.Register(k); out != Duplicate {
		t.Fatalf("second register: want Duplicate, got %v", out)
	}
}

func TestDedupShortCircuitScenario(t *testing.T) {
	// Mirrors spec.md scenario 1: two observably-identical requests should
	// fingerprint identically so the second is rejected as a duplicate.
	s := New(10, 0.01)
	k1 := Compute("GET", "https://a.test/x", nil)
	k2 := Compute("GET", "https://a.test/x?", nil)

	if k1 != k2 {
		t.Fatalf("expected identical fingerprints, got %v vs %v", k1, k2)
	}
	if out := s.Register(k1); out != New {
		t.Fatalf("want New for first submission")
	}
	if out := s.Register(k2); out != Duplicate {
		t.Fatalf("want Duplicate for second submission")
	}
}

func TestImportExportRoundTrip(t *testing.T) {
	s := New(100, 0.01)
	keys := []Key{
		Compute("GET", "https://a.test/1", nil),
		Compute("GET", "https://a.test/2", nil),
		Compute("GET", "https://a.test/3", nil),
	}
	for _, k := range keys {
		s.Register(k)
	}

	restored := New(100, 0.01)
	restored.Import(s.Export())
	if restored.Count() != len(keys) {
		t.Fatalf("expected %d restored keys, got %d", len(keys), restored.Count())
	}
	for _, k := range keys {
		if !restored.Contains(k) {
			t.Errorf("expected restored set to contain %v", k)
		}
	}
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	f := newBloomFilter(1000, 0.01)
	inserted := make([][]byte, 0, 500)
	for i := 0; i < 500; i++ {
		b := []byte{byte(i), byte(i >> 8), byte(i >> 16)}
		f.Add(b)
		inserted = append(inserted, b)
	}
	for _, b := range inserted {
		if !f.MightContain(b) {
			t.Fatalf("bloom filter false negative for %v", b)
		}
	}
}
