package dedupe

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	testCases := []struct {
		name  string
		input string
		want  string
	}{
		{"empty", "", ""},
		{"plain", "hello", "hello"},
		{"crlf to lf", "a\r\nb", "a\nb"},
		{"bare cr to lf", "a\rb", "a\nb"},
		{"trailing whitespace stripped per line", "a  \nb\t", "a\nb"},
		{"trailing empty lines dropped", "a\nb\n\n\n", "a\nb"},
		{"interior empty lines kept", "a\n\nb", "a\n\nb"},
		{"whitespace-only text", "   \n\t\n", ""},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Normalize(tc.input))
		})
	}
}

// Normalization must be idempotent so the hash is a stable content address.
func TestNormalize_Idempotent(t *testing.T) {
	inputs := []string{
		"",
		"line one\r\nline two  \n\n",
		"中文内容\r带回车",
		"a\n b \n\t\n",
	}
	for _, input := range inputs {
		once := Normalize(input)
		assert.Equal(t, once, Normalize(once), "input %q", input)
	}
}

func TestHash(t *testing.T) {
	t.Run("equal after normalization", func(t *testing.T) {
		assert.Equal(t, Hash("a\r\nb  \n"), Hash("a\nb"))
	})

	t.Run("distinct content distinct hash", func(t *testing.T) {
		assert.NotEqual(t, Hash("a"), Hash("b"))
	})

	t.Run("hash of normalized equals raw hash", func(t *testing.T) {
		text := "x\r\ny \n\n"
		assert.Equal(t, Hash(text), HashRaw(Normalize(text)))
	})
}

func TestWindow_SeenAndEviction(t *testing.T) {
	t.Run("first seen records, second hits", func(t *testing.T) {
		w := NewWindow(4, time.Minute)
		assert.False(t, w.Seen("hello"))
		assert.True(t, w.Seen("hello"))
		assert.True(t, w.Seen("hello\r\n"), "normalized form must hit")
	})

	t.Run("oldest entry evicted at capacity", func(t *testing.T) {
		w := NewWindow(2, time.Minute)
		require.False(t, w.Seen("one"))
		require.False(t, w.Seen("two"))
		require.False(t, w.Seen("three")) // evicts "one"
		assert.False(t, w.Seen("one"))
		assert.True(t, w.Seen("three"))
	})

	t.Run("expired entries evicted before oldest", func(t *testing.T) {
		now := time.Unix(1000, 0)
		w := NewWindow(8, 10*time.Second)
		w.now = func() time.Time { return now }

		require.False(t, w.Seen("stale"))
		now = now.Add(11 * time.Second)
		assert.False(t, w.Seen("stale"), "entry past TTL must be forgotten")
	})

	t.Run("len reflects live entries only", func(t *testing.T) {
		now := time.Unix(2000, 0)
		w := NewWindow(8, 5*time.Second)
		w.now = func() time.Time { return now }

		for i := 0; i < 3; i++ {
			w.Seen(fmt.Sprintf("msg-%d", i))
		}
		require.Equal(t, 3, w.Len())
		now = now.Add(6 * time.Second)
		assert.Equal(t, 0, w.Len())
	})

	t.Run("bounded at max size", func(t *testing.T) {
		w := NewWindow(16, time.Minute)
		for i := 0; i < 100; i++ {
			w.Seen(strings.Repeat("x", i+1))
		}
		assert.LessOrEqual(t, w.Len(), 16)
	})

	t.Run("empty content always passes", func(t *testing.T) {
		w := NewWindow(4, time.Minute)
		assert.False(t, w.Seen(""))
		assert.False(t, w.Seen("   \n\t"))
		assert.False(t, w.Seen(""), "empty text is never remembered")
		assert.Equal(t, 0, w.Len())
	})
}

func TestWindow_Record(t *testing.T) {
	w := NewWindow(4, time.Minute)

	w.Record("streamed answer")
	assert.True(t, w.Seen("streamed answer"), "recorded content must hit")
	assert.True(t, w.Seen("streamed answer\r\n"))

	w.Record("")
	assert.Equal(t, 1, w.Len(), "empty content is not recorded")
}
