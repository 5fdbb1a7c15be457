package notifier

import (
	"regexp"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var entryRe = regexp.MustCompile(`(?m)^\[(\d+)\]: (.*)$`)

func entries(chunks []string) []string {
	var out []string
	for _, c := range chunks {
		for _, m := range entryRe.FindAllStringSubmatch(c, -1) {
			out = append(out, m[2])
		}
	}
	return out
}

func TestChunkTenLongLines(t *testing.T) {
	t.Parallel()
	lines := make([]string, 10)
	for i := range lines {
		lines[i] = strings.Repeat(string(rune('a'+i)), 400)
	}

	chunks := Chunk("Update on your subscription RSSMRA80A01H501U 1234567A:", lines, 3400)
	require.Len(t, chunks, 2)
	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 3400)
	}
	assert.True(t, strings.HasPrefix(chunks[0], "Update on your subscription"))
	assert.True(t, strings.HasPrefix(chunks[1], "[9]: "))
	assert.Equal(t, lines, entries(chunks))
}

func TestChunkSingleMessage(t *testing.T) {
	t.Parallel()
	got := Chunk("Header:", []string{"one", "two"}, 3400)
	assert.Equal(t, []string{"Header:\n[1]: one\n[2]: two\n"}, got)
}

func TestChunkWithoutHeaderOrLines(t *testing.T) {
	t.Parallel()
	assert.Nil(t, Chunk("Header:", nil, 100))
	assert.Equal(t, []string{"[1]: x\n"}, Chunk("", []string{"x"}, 100))
}

func TestChunkDefaultLimit(t *testing.T) {
	t.Parallel()
	lines := make([]string, 20)
	for i := range lines {
		lines[i] = strings.Repeat("z", 300)
	}
	for _, c := range Chunk("h", lines, 0) {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), DefaultChunkLimit)
	}
}

func TestChunkCountsRunes(t *testing.T) {
	t.Parallel()
	// 20 runes but 40+ bytes per line.
	line := strings.Repeat("è", 20)
	chunks := Chunk("", []string{line, line}, 30)
	require.Len(t, chunks, 2)
	assert.Equal(t, "[1]: "+line+"\n", chunks[0])
	assert.Equal(t, "[2]: "+line+"\n", chunks[1])
}

func TestChunkHardSplitsOversizeEntry(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("é", 250)
	chunks := Chunk("H:", []string{"short", long, "tail"}, 100)

	for _, c := range chunks {
		assert.LessOrEqual(t, utf8.RuneCountInString(c), 100)
		assert.True(t, utf8.ValidString(c))
	}
	assert.Equal(t, "H:\n[1]: short\n", chunks[0])
	assert.Equal(t, "H:\n[1]: short\n[2]: "+long+"\n[3]: tail\n", strings.Join(chunks, ""))
	assert.Equal(t, 1, strings.Count(strings.Join(chunks, ""), "H:"))
}
