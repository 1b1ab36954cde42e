// Package sanitize implements the Path Sanitizer component (§4.A): per-entry
// validation and normalization of archive-declared paths.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
)

// OutcomeKind distinguishes the three sanitizer results named in §4.A.
type OutcomeKind int

const (
	Safe OutcomeKind = iota
	SanitizedOutcome
	Unsafe
)

// Outcome is the result of Sanitize: either the name was safe as-is, was
// sanitized into a different but usable name, or was rejected outright.
type Outcome struct {
	Kind     OutcomeKind
	Original string
	Clean    string
	Reason   string // populated only when Kind == Unsafe
}

var reservedNames = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

const maxComponentBytes = 255

// Sanitize applies the eight ordered rules of §4.A and returns the Outcome.
// It never panics on untrusted input — every rejection is reported through
// Outcome.Reason, never a Go panic.
func Sanitize(declared string, policy common.Policy) Outcome {
	trimmed := strings.TrimSpace(declared)

	// Rule 1: reject empty, whitespace-only, or all-dot names.
	if trimmed == "" || isAllDots(trimmed) {
		return unsafe(declared, "empty_or_dot_name")
	}

	// Rule 2: reject absolute paths, parent refs, URL schemes.
	if reason, bad := rejectTraversalOrAbsolute(declared, policy); bad {
		return unsafe(declared, reason)
	}

	// Rule 3: reject control characters.
	for _, r := range declared {
		if r < 0x20 {
			return unsafe(declared, "control_character")
		}
	}

	// Rule 4: Unicode-normalize to NFC.
	clean := norm.NFC.String(declared)

	// Rule 5: replace host-reserved characters.
	clean = replaceReserved(clean)

	// Rule 6/7/8 operate per path component.
	parts := strings.Split(clean, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		p = guardReservedDeviceName(p)
		p = truncateComponent(p)
		out = append(out, p)
	}

	if len(out) == 0 {
		return unsafe(declared, "empty_or_dot_name")
	}

	// Rule 8: enforce total component depth.
	if len(out) > policy.MaxPathDepth {
		return unsafe(declared, "path_too_deep")
	}

	final := strings.Join(out, "/")
	if final == declared {
		return Outcome{Kind: Safe, Original: declared, Clean: final}
	}
	return Outcome{Kind: SanitizedOutcome, Original: declared, Clean: final}
}

func isAllDots(s string) bool {
	for _, comp := range strings.Split(s, "/") {
		if comp == "" {
			continue
		}
		onlyDots := true
		for _, r := range comp {
			if r != '.' {
				onlyDots = false
				break
			}
		}
		if onlyDots {
			return true
		}
	}
	return false
}

func rejectTraversalOrAbsolute(p string, policy common.Policy) (string, bool) {
	if strings.Contains(p, "://") {
		return "url_scheme_prefix", true
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "\\") {
		return "absolute_path", true
	}
	if len(p) >= 2 && p[1] == ':' && isDriveLetter(p[0]) {
		return "absolute_path", true
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	for _, comp := range strings.Split(normalized, "/") {
		if comp == ".." {
			return "path_traversal", true
		}
	}
	if !policy.AllowSymlinks && strings.Contains(p, "\x00") {
		return "control_character", true
	}
	return "", false
}

func isDriveLetter(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z')
}

var reservedCharReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_", "|", "_", "?", "_", "*", "_",
)

func replaceReserved(s string) string {
	return reservedCharReplacer.Replace(s)
}

func guardReservedDeviceName(component string) string {
	ext := path.Ext(component)
	stem := strings.TrimSuffix(component, ext)
	if _, reserved := reservedNames[strings.ToUpper(stem)]; reserved {
		return "_" + component
	}
	return component
}

func truncateComponent(component string) string {
	if len(component) <= maxComponentBytes {
		return component
	}
	ext := path.Ext(component)
	stem := strings.TrimSuffix(component, ext)
	sum := sha256.Sum256([]byte(component))
	suffix := "_" + hex.EncodeToString(sum[:])[:8]
	budget := maxComponentBytes - len(ext) - len(suffix)
	if budget < 0 {
		budget = 0
	}
	stem = truncateRunes(stem, budget)
	truncated := stem + suffix + ext
	log.Debug().Str("original", component).Str("truncated", truncated).Msg("component exceeded max length, truncated with hash suffix")
	return truncated
}

func truncateRunes(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	b := []byte(s)[:maxBytes]
	for len(b) > 0 && !utf8ValidPrefix(b) {
		b = b[:len(b)-1]
	}
	return string(b)
}

// utf8ValidPrefix reports whether b does not end mid-way through a
// multi-byte UTF-8 sequence.
func utf8ValidPrefix(b []byte) bool {
	for i := len(b) - 1; i >= 0 && i >= len(b)-4; i-- {
		c := b[i]
		if c < 0x80 {
			return true
		}
		if c >= 0xC0 {
			needed := 1
			switch {
			case c >= 0xF0:
				needed = 3
			case c >= 0xE0:
				needed = 2
			case c >= 0xC0:
				needed = 1
			}
			return len(b)-i-1 >= needed
		}
	}
	return true
}

func unsafe(original, reason string) Outcome {
	return Outcome{Kind: Unsafe, Original: original, Reason: reason}
}

// Idempotent reports whether Sanitize(Sanitize(name)) == Sanitize(name),
// the property required by §8 invariant 1. Exposed for tests and callers
// that want to assert the property directly rather than re-deriving it.
func Idempotent(name string, policy common.Policy) bool {
	first := Sanitize(name, policy)
	if first.Kind == Unsafe {
		second := Sanitize(name, policy)
		return second.Kind == Unsafe && second.Reason == first.Reason
	}
	second := Sanitize(first.Clean, policy)
	return second.Kind != Unsafe && second.Clean == first.Clean
}
