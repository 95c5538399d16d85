package geo

import "testing"

func TestLookupKnownRange(t *testing.T) {
	l := New()
	loc, ok := l.Lookup("18.130.5.9")
	if !ok {
		t.Fatal("expected lookup to succeed for a known range")
	}
	if loc.Country != "GB" {
		t.Errorf("Country = %q, want GB", loc.Country)
	}
}

func TestLookupPrivateRange(t *testing.T) {
	l := New()
	loc, ok := l.Lookup("10.1.2.3")
	if !ok {
		t.Fatal("expected private range to resolve to the placeholder entry")
	}
	if loc.Country != "ZZ" {
		t.Errorf("Country = %q, want ZZ", loc.Country)
	}
}

func TestLookupUnknownRangeDegrades(t *testing.T) {
	l := New()
	_, ok := l.Lookup("8.8.8.8")
	if ok {
		t.Fatal("expected 8.8.8.8 to fall outside the built-in table")
	}
}

func TestLookupMalformedIP(t *testing.T) {
	l := New()
	_, ok := l.Lookup("not-an-ip")
	if ok {
		t.Fatal("expected malformed input to fail gracefully")
	}
}

func TestLookupIPv6(t *testing.T) {
	l := New()
	loc, ok := l.Lookup("2001:db8::1")
	if !ok || loc.Country != "ZZ" {
		t.Errorf("expected documentation IPv6 range to resolve, got ok=%v loc=%+v", ok, loc)
	}
}
