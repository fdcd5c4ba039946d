package sandbox

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Limits bounds what a single run may submit and return.
type Limits struct {
	MaxCodeBytes   int `json:"max_code_bytes"`
	MaxOutputBytes int `json:"max_output_bytes"`
}

func DefaultLimits() Limits {
	return Limits{
		MaxCodeBytes:   1 << 20, // 1MB
		MaxOutputBytes: 1 << 20, // 1MB
	}
}

func (l Limits) Validate() error {
	if l.MaxCodeBytes < 1 || l.MaxCodeBytes > 16<<20 {
		return fmt.Errorf("%w: max_code_bytes must be 1-16MB, got %d", ErrInvalidLimits, l.MaxCodeBytes)
	}
	if l.MaxOutputBytes < 1024 || l.MaxOutputBytes > 64<<20 {
		return fmt.Errorf("%w: max_output_bytes must be 1KB-64MB, got %d", ErrInvalidLimits, l.MaxOutputBytes)
	}
	return nil
}

const truncatedNote = "... [output truncated]"

// truncateLines fits lines into maxBytes. The last line (the run error or
// the suite summary) always survives, cut on a rune boundary if it has
// to be. Report blocks that carry a classifier marker come next, then the
// remaining lines from the top. Kept lines stay in order, followed by a
// truncation note and the last line.
func truncateLines(lines []string, maxBytes int, c Classifier) []string {
	if len(lines) == 0 || outputSize(lines) <= maxBytes {
		return lines
	}

	last := cutRunes(lines[len(lines)-1], maxBytes)
	body := lines[:len(lines)-1]
	budget := maxBytes - len(last) - 1

	keep := make([]bool, len(body))
	take := func(i int) bool {
		if keep[i] {
			return true
		}
		need := len(body[i]) + 1
		if need > budget {
			return false
		}
		budget -= need
		keep[i] = true
		return true
	}

	for _, b := range reportBlocks(body, c) {
		for i := b[0]; i < b[1]; i++ {
			if !take(i) {
				break
			}
		}
	}
	for i := range body {
		if !take(i) {
			break
		}
	}

	out := make([]string, 0, len(body)+2)
	for i, l := range body {
		if keep[i] {
			out = append(out, l)
		}
	}
	return append(out, truncatedNote, last)
}

// reportBlocks returns [start, end) ranges running from a line that
// carries a marker to the next blank line.
func reportBlocks(lines []string, c Classifier) [][2]int {
	var blocks [][2]int
	for i := 0; i < len(lines); i++ {
		if c.Classify(lines[i]) {
			continue
		}
		end := i + 1
		for end < len(lines) && strings.TrimSpace(lines[end]) != "" {
			end++
		}
		blocks = append(blocks, [2]int{i, end})
		i = end
	}
	return blocks
}

func cutRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func outputSize(lines []string) int {
	n := 0
	for _, l := range lines {
		n += len(l) + 1
	}
	return n
}
