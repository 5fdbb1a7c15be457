package notifier

import (
	"strconv"
	"strings"
	"unicode/utf8"
)

// Chunk renders header and lines as "[i]: line" entries and packs them into
// messages of at most limit runes. The header (followed by a newline) opens
// the first message only. A new message starts whenever the next entry would
// not fit; an entry longer than limit on its own is split at rune boundaries.
// Chunk returns nil when lines is empty.
func Chunk(header string, lines []string, limit int) []string {
	if len(lines) == 0 {
		return nil
	}
	if limit <= 0 {
		limit = DefaultChunkLimit
	}

	p := packer{limit: limit}
	if header != "" {
		p.add(header + "\n")
	}
	for i, line := range lines {
		p.add("[" + strconv.Itoa(i+1) + "]: " + line + "\n")
	}
	p.flush()
	return p.out
}

type packer struct {
	limit int
	out   []string
	buf   strings.Builder
	n     int
}

func (p *packer) add(s string) {
	c := utf8.RuneCountInString(s)
	if p.n+c > p.limit {
		p.flush()
	}
	for c > p.limit {
		head, rest := splitRunes(s, p.limit)
		p.out = append(p.out, head)
		s, c = rest, c-p.limit
	}
	p.buf.WriteString(s)
	p.n += c
}

func (p *packer) flush() {
	if p.n == 0 {
		return
	}
	p.out = append(p.out, p.buf.String())
	p.buf.Reset()
	p.n = 0
}

// splitRunes returns the first n runes of s and the remainder.
func splitRunes(s string, n int) (string, string) {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return s[:i], s[i:]
}
