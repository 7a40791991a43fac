package security

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/jkaninda/wasmbridge/internal/domain"
)

const (
	// MaxCommandLength bounds a launch command after trimming.
	MaxCommandLength = 256
	// MaxArgumentLength bounds a single argv entry.
	MaxArgumentLength = 4096
)

// shellMetacharacters never appear in a legitimate launch command.
const shellMetacharacters = ";&|`$()<>*?[]{}~!'\"#@%^"

// encodedForms are literal substrings matched case-insensitively. They are
// rejected as-is rather than decoded and re-checked.
var encodedForms = []string{
	// URL-encoded metacharacters and control characters.
	"%3b", "%26", "%7c", "%60", "%24", "%28", "%29", "%3c", "%3e",
	"%2a", "%3f", "%5b", "%5d", "%7b", "%7d", "%7e", "%21", "%27",
	"%22", "%23", "%40", "%25", "%5e", "%0a", "%0d", "%00", "%09",
	"%2e%2e", "%2f", "%5c",
	// Backslash escapes.
	"\\n", "\\r", "\\t", "\\0", "\\x", "\\u", "\\;", "\\&", "\\|",
	"\\$", "\\`",
	// Path traversal.
	"../", "..\\",
}

// ValidateCommand checks a launch command before any process is spawned and
// returns it trimmed. Every code path that starts a process calls this.
func ValidateCommand(command string) (string, error) {
	trimmed := strings.Trim(command, " ")
	if trimmed == "" {
		return "", violation("empty command")
	}
	if n := utf8.RuneCountInString(trimmed); n > MaxCommandLength {
		return "", violation(fmt.Sprintf("command length %d exceeds maximum of %d", n, MaxCommandLength))
	}
	if !utf8.ValidString(trimmed) {
		return "", violation("command is not valid UTF-8")
	}
	for i, r := range trimmed {
		switch {
		case isControl(r):
			return "", violation(fmt.Sprintf("control character 0x%02X at offset %d", r, i))
		case strings.ContainsRune(shellMetacharacters, r):
			return "", violation(fmt.Sprintf("shell metacharacter %q at offset %d", r, i))
		case isInvisible(r):
			return "", violation(fmt.Sprintf("invisible or bidirectional code point U+%04X at offset %d", r, i))
		}
	}
	lower := strings.ToLower(trimmed)
	for _, form := range encodedForms {
		if strings.Contains(lower, form) {
			return "", violation(fmt.Sprintf("encoded or escaped sequence %q", form))
		}
	}
	return trimmed, nil
}

// ValidateArgument checks one argv entry. Arguments reach the child through
// execve without a shell, so metacharacters are allowed; anything that can
// hide content from a reviewer is not.
func ValidateArgument(arg string) error {
	if n := utf8.RuneCountInString(arg); n > MaxArgumentLength {
		return violation(fmt.Sprintf("argument length %d exceeds maximum of %d", n, MaxArgumentLength))
	}
	if !utf8.ValidString(arg) {
		return violation("argument is not valid UTF-8")
	}
	for i, r := range arg {
		if isControl(r) {
			return violation(fmt.Sprintf("control character 0x%02X in argument at offset %d", r, i))
		}
		if isInvisible(r) {
			return violation(fmt.Sprintf("invisible or bidirectional code point U+%04X in argument at offset %d", r, i))
		}
	}
	return nil
}

func isControl(r rune) bool {
	return r < 0x20 || r == 0x7F
}

// isInvisible reports zero-width and bidirectional override code points.
func isInvisible(r rune) bool {
	switch {
	case r >= 0x200B && r <= 0x200F: // zero-width space/joiners, LRM, RLM
		return true
	case r >= 0x202A && r <= 0x202E: // LRE, RLE, PDF, LRO, RLO
		return true
	case r >= 0x2060 && r <= 0x2064: // word joiner, invisible operators
		return true
	case r >= 0x2066 && r <= 0x2069: // LRI, RLI, FSI, PDI
		return true
	case r == 0xFEFF, r == 0x180E, r == 0x00AD:
		return true
	}
	return false
}

func violation(reason string) error {
	return &domain.SecurityViolationError{Reason: reason, Err: ErrCommandRejected}
}
