package qinet

import "testing"

func TestParseURLValid(t *testing.T) {
	u, err := ParseURL("tcp://127.0.0.1:1234")
	if err != nil {
		t.Fatalf("ParseURL() error: %v", err)
	}
	if u.Scheme != "tcp" || u.Host != "127.0.0.1" || u.Port != 1234 {
		t.Fatalf("ParseURL() = %+v", u)
	}
	if got, want := u.String(), "tcp://127.0.0.1:1234"; got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestParseURLWildcard(t *testing.T) {
	u, err := ParseURL("tcp://0.0.0.0:0")
	if err != nil {
		t.Fatalf("ParseURL() error: %v", err)
	}
	if !u.IsWildcardHost() {
		t.Fatalf("0.0.0.0 should be a wildcard host")
	}
}

func TestParseURLRejectsBadScheme(t *testing.T) {
	if _, err := ParseURL("udp://127.0.0.1:80"); err == nil {
		t.Fatalf("expected error for non-tcp scheme")
	}
}

func TestParseURLRejectsMissingScheme(t *testing.T) {
	if _, err := ParseURL("127.0.0.1:80"); err == nil {
		t.Fatalf("expected error for missing scheme")
	}
}

func TestParseURLRejectsBadPort(t *testing.T) {
	if _, err := ParseURL("tcp://127.0.0.1:notaport"); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
}
