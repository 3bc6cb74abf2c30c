package policy

import (
	"strings"
	"testing"
)

func TestRedactPII(t *testing.T) {
	input := "Email me at sam@example.com or +1 (555) 123-9876 and use 4242 4242 4242 4242."
	out, changed := RedactPII(input)
	if !changed {
		t.Fatalf("changed = false, want true")
	}
	for _, marker := range []string{"[REDACTED_EMAIL]", "[REDACTED_PHONE]", "[REDACTED_CARD]"} {
		if !strings.Contains(out, marker) {
			t.Fatalf("output missing marker %q: %q", marker, out)
		}
	}
}

func TestRedactPIILeavesPlainTextAlone(t *testing.T) {
	out, changed := RedactPII("Hello, how are you today?")
	if changed {
		t.Fatalf("changed = true for plain text: %q", out)
	}
}

func TestRedactMediaURL(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"http://cdn.local/v/1.mp4", "http://cdn.local/v/1.mp4"},
		{"https://u:p@cdn.local/v/1.mp4?sig=abc#t=3", "https://cdn.local/v/1.mp4?redacted"},
	}
	for _, tc := range cases {
		if got := RedactMediaURL(tc.in); got != tc.want {
			t.Fatalf("RedactMediaURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
