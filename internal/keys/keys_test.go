package keys

import "testing"

func TestNormalizeContainerID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc123def456789000aa", "abc123def456"},
		{"abc123def456", "abc123def456"},
		{"abc", "abc"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeContainerID(tt.in); got != tt.want {
			t.Errorf("NormalizeContainerID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	id := "abc123def456789000aabbccddeeff00112233445566778899"
	once := NormalizeContainerID(id)
	twice := NormalizeContainerID(once)
	if once != twice {
		t.Errorf("normalize not idempotent: %q != %q", once, twice)
	}
}

func TestMakeCompositeKey(t *testing.T) {
	key, err := MakeCompositeKey("h1", "abc123def456")
	if err != nil {
		t.Fatalf("MakeCompositeKey: %v", err)
	}
	if key != "h1:abc123def456" {
		t.Errorf("key = %q, want h1:abc123def456", key)
	}
}

func TestMakeCompositeKeyErrors(t *testing.T) {
	if _, err := MakeCompositeKey("", "abc123def456"); err == nil {
		t.Error("empty host ID should error")
	}
	if _, err := MakeCompositeKey("h1", "abc"); err == nil {
		t.Error("short container ID should error")
	}
	if _, err := MakeCompositeKey("h1", "abc123def4567890"); err == nil {
		t.Error("long container ID should error")
	}
}

func TestRoundTrip(t *testing.T) {
	full := "abc123def456789000aabbccddeeff0011223344"
	key, err := MakeCompositeKey("host-a", NormalizeContainerID(full))
	if err != nil {
		t.Fatalf("MakeCompositeKey: %v", err)
	}
	h, c, err := ParseCompositeKey(key)
	if err != nil {
		t.Fatalf("ParseCompositeKey: %v", err)
	}
	if h != "host-a" {
		t.Errorf("host = %q, want host-a", h)
	}
	if c != full[:12] {
		t.Errorf("container = %q, want %q", c, full[:12])
	}
}

func TestParseCompositeKeyHostWithColons(t *testing.T) {
	h, c, err := ParseCompositeKey("urn:host:1:abc123def456")
	if err != nil {
		t.Fatalf("ParseCompositeKey: %v", err)
	}
	if h != "urn:host:1" || c != "abc123def456" {
		t.Errorf("got (%q, %q)", h, c)
	}
}

func TestParseCompositeKeyMalformed(t *testing.T) {
	for _, key := range []string{"", "abc123def456", ":abc123def456", "h1:short"} {
		if _, _, err := ParseCompositeKey(key); err == nil {
			t.Errorf("ParseCompositeKey(%q) should error", key)
		}
	}
}

func TestHostOf(t *testing.T) {
	if got := HostOf("h2:abc123def456"); got != "h2" {
		t.Errorf("HostOf = %q, want h2", got)
	}
	if got := HostOf("garbage"); got != "" {
		t.Errorf("HostOf(garbage) = %q, want empty", got)
	}
}
