package gateway

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateReason(t *testing.T) {
	short := "vm not found"
	if got := truncateReason(short); got != short {
		t.Errorf("truncateReason(%q) = %q", short, got)
	}

	ascii := strings.Repeat("a", 200)
	if got := truncateReason(ascii); len(got) != 120 {
		t.Errorf("ascii reason length = %d, want 120", len(got))
	}

	// 119 ASCII bytes followed by a 3-byte rune straddling the limit.
	multi := strings.Repeat("a", 119) + "€" + "tail"
	got := truncateReason(multi)
	if !utf8.ValidString(got) {
		t.Fatalf("reason %q is not valid UTF-8", got)
	}
	if got != strings.Repeat("a", 119) {
		t.Errorf("reason = %q, want the 119 bytes before the rune", got)
	}
}
