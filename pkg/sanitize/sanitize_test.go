package sanitize

import (
	"strings"
	"testing"

	"github.com/beam-cloud/larc/pkg/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultPolicy() common.Policy {
	return common.DefaultPolicyFor(common.PolicyDefault)
}

func TestSanitize_RejectsTraversal(t *testing.T) {
	out := Sanitize("../../etc/passwd", defaultPolicy())
	require.Equal(t, Unsafe, out.Kind)
	assert.Equal(t, "path_traversal", out.Reason)
}

func TestSanitize_RejectsAbsolute(t *testing.T) {
	for _, name := range []string{"/etc/passwd", `C:\Windows\system32`, "scheme://host/path"} {
		out := Sanitize(name, defaultPolicy())
		require.Equalf(t, Unsafe, out.Kind, "expected %q to be unsafe", name)
	}
}

func TestSanitize_RejectsControlChars(t *testing.T) {
	out := Sanitize("log\x01file.txt", defaultPolicy())
	require.Equal(t, Unsafe, out.Kind)
	assert.Equal(t, "control_character", out.Reason)
}

func TestSanitize_RejectsEmptyOrDotOnly(t *testing.T) {
	for _, name := range []string{"", "   ", ".", "..", "a/./b"} {
		out := Sanitize(name, defaultPolicy())
		require.Equalf(t, Unsafe, out.Kind, "expected %q to be unsafe", name)
	}
}

func TestSanitize_ReplacesReservedChars(t *testing.T) {
	out := Sanitize(`weird<name>:file?.txt`, defaultPolicy())
	require.NotEqual(t, Unsafe, out.Kind)
	assert.NotContains(t, out.Clean, "<")
	assert.NotContains(t, out.Clean, ">")
	assert.NotContains(t, out.Clean, ":")
	assert.NotContains(t, out.Clean, "?")
}

func TestSanitize_GuardsReservedDeviceNames(t *testing.T) {
	out := Sanitize("CON.txt", defaultPolicy())
	require.NotEqual(t, Unsafe, out.Kind)
	assert.True(t, strings.HasPrefix(out.Clean, "_CON"))
}

func TestSanitize_TruncatesLongComponents(t *testing.T) {
	longName := strings.Repeat("a", 400) + ".log"
	out := Sanitize(longName, defaultPolicy())
	require.NotEqual(t, Unsafe, out.Kind)
	for _, comp := range strings.Split(out.Clean, "/") {
		assert.LessOrEqual(t, len(comp), 255)
	}
	assert.True(t, strings.HasSuffix(out.Clean, ".log"))
}

func TestSanitize_RejectsExcessiveDepth(t *testing.T) {
	policy := common.DefaultPolicyFor(common.PolicyStrict)
	deep := strings.Repeat("d/", policy.MaxPathDepth+5) + "file.txt"
	out := Sanitize(deep, policy)
	require.Equal(t, Unsafe, out.Kind)
	assert.Equal(t, "path_too_deep", out.Reason)
}

func TestSanitize_NFCIdempotentOnASCII(t *testing.T) {
	out := Sanitize("plain/ascii/name.txt", defaultPolicy())
	require.NotEqual(t, Unsafe, out.Kind)
	assert.Equal(t, "plain/ascii/name.txt", out.Clean)
}

// Invariant 1 (§8): sanitize(sanitize(N)) == sanitize(N).
func TestSanitize_IdempotenceProperty(t *testing.T) {
	policy := defaultPolicy()
	inputs := []string{
		"normal/path.txt",
		"../escape",
		"CON.txt",
		strings.Repeat("x", 300) + ".bin",
		"weird<chars>|name.txt",
		"",
		"a/../b",
	}
	for _, in := range inputs {
		assert.Truef(t, Idempotent(in, policy), "sanitize not idempotent for %q", in)
	}
}
