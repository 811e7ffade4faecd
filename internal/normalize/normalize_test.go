package normalize

import (
	"testing"
	"time"
)

func TestForDedupe(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Müll  am\tStraßenrand", "müll am straßenrand"},
		{"Siehe https://example.com/x?y=1 bitte\n\nprüfen", "siehe bitte prüfen"},
		{"  HTTP://EXAMPLE.COM  ", "http://example.com"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := ForDedupe(tc.in); got != tc.want {
			t.Errorf("ForDedupe(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestRedact(t *testing.T) {
	got := Redact("  Foto: https://sags-uns.stadt-koeln.de/a.jpg   Ecke  Ring ")
	if got != "Foto: Ecke Ring" {
		t.Fatalf("Redact = %q", got)
	}
}

func TestIsLinkOnly(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"https://example.com", true},
		{"https://example.com !!!", true},
		{"-> https://example.com ab", true},
		{"siehe https://example.com", false},
		{"Schlagloch", false},
		{"", true},
	}
	for _, tc := range tests {
		if got := IsLinkOnly(tc.in, 3); got != tc.want {
			t.Errorf("IsLinkOnly(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMediaPath(t *testing.T) {
	got := MediaPath("https://sags-uns.stadt-koeln.de/system/files/2026-01/test.jpg")
	if got != "2026-01/test.jpg" {
		t.Fatalf("MediaPath = %q", got)
	}
	if got := MediaPath("https://example.com/img.jpg"); got != "" {
		t.Fatalf("expected empty media path, got %q", got)
	}
	if got := MediaPath(""); got != "" {
		t.Fatalf("expected empty media path, got %q", got)
	}
}

func TestParseRequestedAt(t *testing.T) {
	got, err := ParseRequestedAt("2026-01-15T23:34:39+01:00")
	if err != nil {
		t.Fatalf("ParseRequestedAt failed: %v", err)
	}
	want := time.Date(2026, 1, 15, 22, 34, 39, 0, time.UTC)
	if !got.Equal(want) || got.Location() != time.UTC {
		t.Fatalf("ParseRequestedAt = %v, want %v", got, want)
	}

	if _, err := ParseRequestedAt("2026-01-15T23:34:39"); err != nil {
		t.Fatalf("naive timestamp should parse: %v", err)
	}
	if _, err := ParseRequestedAt("  "); err != ErrEmptyTimestamp {
		t.Fatalf("expected ErrEmptyTimestamp, got %v", err)
	}
	if _, err := ParseRequestedAt("yesterday"); err == nil {
		t.Fatal("expected error for garbage timestamp")
	}
}

func TestParseServiceRequestID(t *testing.T) {
	seq, year, ok := ParseServiceRequestID("12-2026")
	if !ok || seq != 12 || year != 2026 {
		t.Fatalf("ParseServiceRequestID = (%d, %d, %v)", seq, year, ok)
	}
	for _, bad := range []string{"", "12", "a-2026", "12-abc", "12-2026-1", "+5-2026", "5-+2026", "-5-2026", " 5-2026 x", "5 -2026"} {
		if _, _, ok := ParseServiceRequestID(bad); ok {
			t.Errorf("ParseServiceRequestID(%q) should fail", bad)
		}
	}
	for _, tc := range []struct {
		id string
		ok bool
	}{
		{"1-2000", true},
		{"7-2100", true},
		{"0-2026", false},
		{"5-1999", false},
		{"5-2101", false},
		{"+5-2026", false},
	} {
		if _, _, ok := ValidServiceRequestID(tc.id); ok != tc.ok {
			t.Errorf("ValidServiceRequestID(%q) ok = %v, want %v", tc.id, ok, tc.ok)
		}
	}
	if got := FormatServiceRequestID(35, 2026); got != "35-2026" {
		t.Fatalf("FormatServiceRequestID = %q", got)
	}
}

func TestRoundCoord(t *testing.T) {
	if got := RoundCoord(50.937531, 4); got != 50.9375 {
		t.Fatalf("RoundCoord = %v", got)
	}
	if got := RoundCoord(6.96028, 4); got != 6.9603 {
		t.Fatalf("RoundCoord = %v", got)
	}
	if RoundCoord(50.00001, 4) != RoundCoord(50.00002, 4) {
		t.Fatal("expected equal rounded coordinates")
	}
}
