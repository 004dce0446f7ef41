package textdiff

import (
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIsStableSHA256(t *testing.T) {
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", HashString("hello"))
	assert.Equal(t, Hash([]byte("v1")), HashString("v1"))
	assert.NotEqual(t, HashString("v1"), HashString("v1x"))
}

func TestUnifiedEqualIsEmpty(t *testing.T) {
	assert.Empty(t, Unified("same\n", "same\n", "a", "b", 3))
	out, err := Apply("same\n", "")
	require.NoError(t, err)
	assert.Equal(t, "same\n", out)
}

func TestUnifiedFormat(t *testing.T) {
	diff := Unified("one\ntwo\nthree\n", "one\n2\nthree\n", "a/x.md", "b/x.md", 3)
	assert.Equal(t, "--- a/x.md\n+++ b/x.md\n@@ -1,3 +1,3 @@\n one\n-two\n+2\n three\n", diff)

	added, removed := Stats(diff)
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func TestUnifiedMarksMissingNewline(t *testing.T) {
	diff := Unified("v1", "v2", "a", "b", 3)
	assert.Contains(t, diff, "-v1\n"+noNewlineMarker+"\n+v2\n"+noNewlineMarker+"\n")

	out, err := Apply("v1", diff)
	require.NoError(t, err)
	assert.Equal(t, "v2", out)
}

func TestRoundTripCases(t *testing.T) {
	cases := []struct{ name, a, b string }{
		{"empty to text", "", "hello"},
		{"text to empty", "hello\nworld\n", ""},
		{"add trailing newline", "x", "x\n"},
		{"drop trailing newline", "x\n", "x"},
		{"insert middle", "a\nb\nc\n", "a\nb\nnew\nc\n"},
		{"blank lines", "\n\n\n", "\n\nx\n\n"},
		{"far apart edits", strings.Repeat("line\n", 20) + "end\n", "start\n" + strings.Repeat("line\n", 20) + "END\n"},
		{"backslash content", "\\ not a marker\n", "\\ still not\n"},
		{"crlf", "a\r\nb\r\n", "a\r\nc\r\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for _, ctx := range []int{0, 1, 3} {
				diff := Unified(tc.a, tc.b, "a", "b", ctx)
				got, err := Apply(tc.a, diff)
				require.NoError(t, err, "context=%d diff=%q", ctx, diff)
				assert.Equal(t, tc.b, got, "context=%d", ctx)
			}
		})
	}
}

func TestRoundTripRandom(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	vocab := []string{"alpha", "beta", "", "gamma", "delta", "  indented", "-dash", "+plus", "@@ at"}
	gen := func() string {
		n := rng.Intn(25)
		parts := make([]string, n)
		for i := range parts {
			parts[i] = vocab[rng.Intn(len(vocab))]
		}
		s := strings.Join(parts, "\n")
		if rng.Intn(2) == 0 && s != "" {
			s += "\n"
		}
		return s
	}
	for i := 0; i < 300; i++ {
		a, b := gen(), gen()
		diff := Unified(a, b, "a", "b", rng.Intn(4))
		got, err := Apply(a, diff)
		require.NoError(t, err, "a=%q b=%q diff=%q", a, b, diff)
		require.Equal(t, b, got, "a=%q b=%q diff=%q", a, b, diff)
	}
}

func TestApplyDetectsDrift(t *testing.T) {
	diff := Unified("v1\n", "v2\n", "a", "b", 3)
	_, err := Apply("v1x\n", diff)
	assert.True(t, errors.Is(err, ErrMismatch))
}

func TestApplyMalformed(t *testing.T) {
	_, err := Apply("x\n", "@@ nonsense @@\n")
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Apply("x\n", "@@ -1,2 +1,2 @@\n x\n")
	assert.True(t, errors.Is(err, ErrMalformed))

	_, err = Apply("x\n", "@@ -1 +1 @@\n?x\n")
	assert.True(t, errors.Is(err, ErrMalformed))
}
