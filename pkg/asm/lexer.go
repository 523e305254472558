package asm

import (
	"bufio"
	"io"
	"regexp"
	"strings"
)

// rawLine is one non-empty, comment-stripped source line, split into
// whitespace-delimited fields. A leading `name:` field, if present, is
// split off into label and removed from fields so the parser never has
// to special-case it per directive/instruction.
type rawLine struct {
	line   int
	label  string // "" if the line has no label
	fields []string
}

var labelRE = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*):$`)

// splitLines strips `;`-comments and blank lines from r and splits what
// remains into fields, one rawLine per non-empty source line. Mnemonics
// and directive keywords are case-insensitive in the source; splitLines
// does not normalize case itself (the parser does, field by field, so
// that names and labels keep their original case).
func splitLines(r io.Reader) ([]rawLine, error) {
	var out []rawLine
	sc := bufio.NewScanner(r)
	lineno := 0
	for sc.Scan() {
		lineno++
		text := sc.Text()
		if idx := strings.IndexByte(text, ';'); idx >= 0 {
			text = text[:idx]
		}
		fields := strings.Fields(text)
		if len(fields) == 0 {
			continue
		}
		rl := rawLine{line: lineno}
		if m := labelRE.FindStringSubmatch(fields[0]); m != nil {
			rl.label = m[1]
			fields = fields[1:]
		}
		if len(fields) == 0 {
			// A label-only line still needs to be recorded so the next
			// emitted word/instruction can pick up its label.
			out = append(out, rl)
			continue
		}
		rl.fields = fields
		out = append(out, rl)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
