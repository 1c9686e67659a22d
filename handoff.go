package relay

import (
	"regexp"
	"strings"
)

// HandoffScanner finds a handoff request in assistant content.
type HandoffScanner interface {
	Scan(content string) (target string, ok bool)
}

// handoffPattern matches the in-band marker "HANDOFF: <name>".
var handoffPattern = regexp.MustCompile(`HANDOFF:\s*([A-Za-z0-9_.\-]+)`)

// LiteralScanner matches the first "HANDOFF: <name>" marker anywhere in the
// content, including inside quoted or code text.
type LiteralScanner struct{}

func (LiteralScanner) Scan(content string) (string, bool) {
	return ScanHandoffMarker(content)
}

// ScanHandoffMarker returns the target of the first handoff marker in s.
// Trailing sentence punctuation is not part of the target.
func ScanHandoffMarker(s string) (string, bool) {
	m := handoffPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	target := strings.TrimRight(m[1], ".-")
	return target, target != ""
}

var _ HandoffScanner = LiteralScanner{}
