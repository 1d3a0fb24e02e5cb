package core

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/valter-silva-au/taskd/internal/agent"
)

// TruncateToolOutput caps the payload of a tool-call chunk at maxLines
// lines and maxChars characters. The header line (starting with
// agent.ToolCallMarker) is always kept. Chunks that are not tool calls are
// returned unchanged.
func TruncateToolOutput(chunk string, maxLines, maxChars int) string {
	if !strings.HasPrefix(chunk, agent.ToolCallMarker) {
		return chunk
	}
	nl := strings.IndexByte(chunk, '\n')
	if nl < 0 {
		return chunk
	}

	header := chunk[:nl+1]
	body := strings.TrimSuffix(chunk[nl+1:], "\n")
	if body == "" {
		return chunk
	}

	lines := strings.Split(body, "\n")
	kept := lines
	if maxLines > 0 && len(kept) > maxLines {
		kept = kept[:maxLines]
	}
	text := strings.Join(kept, "\n")
	complete := len(kept)

	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		cut := runeOffset(text, maxChars)
		prefix := text[:cut]
		if text[cut] == '\n' {
			// The cap falls exactly at a line end.
			text = prefix
			complete = strings.Count(text, "\n") + 1
		} else if i := strings.LastIndexByte(prefix, '\n'); i >= 0 {
			text = prefix[:i]
			complete = strings.Count(text, "\n") + 1
		} else {
			// A single oversized line is cut and counted as omitted.
			text = prefix
			complete = 0
		}
	}

	omitted := len(lines) - complete
	if omitted == 0 {
		return chunk
	}
	return fmt.Sprintf("%s%s\n[content truncated: %d more lines]\n", header, text, omitted)
}

// runeOffset returns the byte offset of the n-th rune in s.
func runeOffset(s string, n int) int {
	i := 0
	for off := range s {
		if i == n {
			return off
		}
		i++
	}
	return len(s)
}
