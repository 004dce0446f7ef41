// Package textdiff hashes artifact content and produces and applies
// line-based unified diffs.
//
// A diff produced by Unified always applies cleanly to the exact content it
// was computed from; Apply does no fuzzy matching, so any drift in the prior
// content is reported as ErrMismatch.
package textdiff

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

const noNewlineMarker = `\ No newline at end of file`

var (
	ErrMalformed = errors.New("malformed unified diff")
	ErrMismatch  = errors.New("diff does not apply to current content")
)

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

// Hash returns the hex SHA-256 digest of content. It is the only content
// fingerprint used for conflict snapshots and audit resource hashes.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// HashString is Hash for string content.
func HashString(content string) string {
	return Hash([]byte(content))
}

// Unified returns a unified diff turning a into b, with context lines of
// surrounding context per hunk. It returns "" when a == b.
func Unified(a, b, fromName, toName string, context int) string {
	if a == b {
		return ""
	}
	if context < 0 {
		context = 3
	}
	from, to := splitLines(a), splitLines(b)
	groups := difflib.NewMatcher(from, to).GetGroupedOpCodes(context)
	if len(groups) == 0 {
		return ""
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "--- %s\n+++ %s\n", fromName, toName)
	for _, group := range groups {
		first, last := group[0], group[len(group)-1]
		fmt.Fprintf(&buf, "@@ -%s +%s @@\n", formatRange(first.I1, last.I2), formatRange(first.J1, last.J2))
		for _, op := range group {
			if op.Tag == 'e' {
				for _, line := range from[op.I1:op.I2] {
					writeLine(&buf, ' ', line)
				}
				continue
			}
			if op.Tag == 'r' || op.Tag == 'd' {
				for _, line := range from[op.I1:op.I2] {
					writeLine(&buf, '-', line)
				}
			}
			if op.Tag == 'r' || op.Tag == 'i' {
				for _, line := range to[op.J1:op.J2] {
					writeLine(&buf, '+', line)
				}
			}
		}
	}
	return buf.String()
}

// Apply applies a unified diff to content. An empty diff returns content
// unchanged.
func Apply(content, diff string) (string, error) {
	if strings.TrimSpace(diff) == "" {
		return content, nil
	}
	hunks, err := parse(diff)
	if err != nil {
		return "", err
	}

	src := splitLines(content)
	out := make([]string, 0, len(src))
	pos := 0
	for idx, h := range hunks {
		start := h.oldStart - 1
		if h.oldLen == 0 {
			start = h.oldStart
		}
		if start < pos || start > len(src) {
			return "", fmt.Errorf("%w: hunk %d starts at line %d", ErrMismatch, idx+1, h.oldStart)
		}
		out = append(out, src[pos:start]...)
		pos = start
		for _, line := range h.lines {
			switch line.op {
			case ' ', '-':
				if pos >= len(src) || src[pos] != line.text {
					return "", fmt.Errorf("%w: hunk %d differs at line %d", ErrMismatch, idx+1, pos+1)
				}
				if line.op == ' ' {
					out = append(out, src[pos])
				}
				pos++
			case '+':
				out = append(out, line.text)
			}
		}
	}
	out = append(out, src[pos:]...)
	return strings.Join(out, ""), nil
}

// Stats counts added and removed lines in a unified diff.
func Stats(diff string) (added, removed int) {
	hunks, err := parse(diff)
	if err != nil {
		return 0, 0
	}
	for _, h := range hunks {
		for _, line := range h.lines {
			switch line.op {
			case '+':
				added++
			case '-':
				removed++
			}
		}
	}
	return added, removed
}

type hunkLine struct {
	op   byte
	text string
}

type hunk struct {
	oldStart, oldLen int
	newStart, newLen int
	lines            []hunkLine
}

func parse(diff string) ([]hunk, error) {
	lines := strings.Split(diff, "\n")
	i := 0
	for i < len(lines) && !strings.HasPrefix(lines[i], "@@") {
		i++
	}

	var hunks []hunk
	for i < len(lines) {
		if lines[i] == "" && i == len(lines)-1 {
			break
		}
		h, err := parseHeader(lines[i])
		if err != nil {
			return nil, err
		}
		i++

		oldSeen, newSeen := 0, 0
		for i < len(lines) {
			raw := lines[i]
			if strings.HasPrefix(raw, `\`) {
				if len(h.lines) == 0 {
					return nil, fmt.Errorf("%w: newline marker before any line", ErrMalformed)
				}
				last := &h.lines[len(h.lines)-1]
				last.text = strings.TrimSuffix(last.text, "\n")
				i++
				continue
			}
			if oldSeen >= h.oldLen && newSeen >= h.newLen {
				break
			}
			if raw == "" {
				if i == len(lines)-1 {
					return nil, fmt.Errorf("%w: hunk truncated", ErrMalformed)
				}
				raw = " "
			}
			op := raw[0]
			switch op {
			case ' ':
				oldSeen++
				newSeen++
			case '-':
				oldSeen++
			case '+':
				newSeen++
			default:
				return nil, fmt.Errorf("%w: unexpected line %q", ErrMalformed, raw)
			}
			if oldSeen > h.oldLen || newSeen > h.newLen {
				return nil, fmt.Errorf("%w: hunk exceeds header counts", ErrMalformed)
			}
			h.lines = append(h.lines, hunkLine{op: op, text: raw[1:] + "\n"})
			i++
		}
		if oldSeen != h.oldLen || newSeen != h.newLen {
			return nil, fmt.Errorf("%w: hunk truncated", ErrMalformed)
		}
		hunks = append(hunks, h)
	}
	if len(hunks) == 0 {
		return nil, fmt.Errorf("%w: no hunks", ErrMalformed)
	}
	return hunks, nil
}

func parseHeader(line string) (hunk, error) {
	m := hunkHeader.FindStringSubmatch(line)
	if m == nil {
		return hunk{}, fmt.Errorf("%w: bad hunk header %q", ErrMalformed, line)
	}
	h := hunk{oldLen: 1, newLen: 1}
	h.oldStart, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		h.oldLen, _ = strconv.Atoi(m[2])
	}
	h.newStart, _ = strconv.Atoi(m[3])
	if m[4] != "" {
		h.newLen, _ = strconv.Atoi(m[4])
	}
	return h, nil
}

// splitLines keeps each line's terminator; only the last line may lack one.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

func writeLine(buf *strings.Builder, prefix byte, line string) {
	buf.WriteByte(prefix)
	buf.WriteString(line)
	if !strings.HasSuffix(line, "\n") {
		buf.WriteString("\n" + noNewlineMarker + "\n")
	}
}

func formatRange(start, stop int) string {
	beginning := start + 1
	length := stop - start
	if length == 1 {
		return strconv.Itoa(beginning)
	}
	if length == 0 {
		beginning--
	}
	return fmt.Sprintf("%d,%d", beginning, length)
}
