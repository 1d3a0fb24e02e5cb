package core

import (
	"fmt"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func toolChunk(lines ...string) string {
	return "[tool:grep]\n" + strings.Join(lines, "\n") + "\n"
}

func numberedLines(n int) []string {
	lines := make([]string, n)
	for i := range lines {
		lines[i] = fmt.Sprintf("line %d", i+1)
	}
	return lines
}

func TestTruncateToolOutput(t *testing.T) {
	tests := []struct {
		name     string
		chunk    string
		maxLines int
		maxChars int
		want     string
	}{
		{
			name:     "plain text untouched",
			chunk:    strings.Repeat("narration\n", 200),
			maxLines: 5, maxChars: 10,
			want: strings.Repeat("narration\n", 200),
		},
		{
			name:     "under limits untouched",
			chunk:    toolChunk("a", "b"),
			maxLines: 5, maxChars: 100,
			want: toolChunk("a", "b"),
		},
		{
			name:     "line cap",
			chunk:    toolChunk(numberedLines(5)...),
			maxLines: 2, maxChars: 1000,
			want: "[tool:grep]\nline 1\nline 2\n[content truncated: 3 more lines]\n",
		},
		{
			name:     "char cap keeps whole lines",
			chunk:    toolChunk("aaaa", "bbbb", "cccc"),
			maxLines: 10, maxChars: 7,
			want: "[tool:grep]\naaaa\n[content truncated: 2 more lines]\n",
		},
		{
			name:     "char cap at line end keeps that line",
			chunk:    "[tool:x]\naaa\nbbb",
			maxLines: 0, maxChars: 3,
			want: "[tool:x]\naaa\n[content truncated: 1 more lines]\n",
		},
		{
			name:     "char cap at later line end",
			chunk:    toolChunk("aaaa", "bbbb", "cccc"),
			maxLines: 10, maxChars: 9,
			want: "[tool:grep]\naaaa\nbbbb\n[content truncated: 1 more lines]\n",
		},
		{
			name:     "single long line",
			chunk:    toolChunk(strings.Repeat("x", 20)),
			maxLines: 10, maxChars: 5,
			want: "[tool:grep]\nxxxxx\n[content truncated: 1 more lines]\n",
		},
		{
			name:     "header only",
			chunk:    "[tool:ls]",
			maxLines: 1, maxChars: 1,
			want: "[tool:ls]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateToolOutput(tt.chunk, tt.maxLines, tt.maxChars)
			if got != tt.want {
				t.Errorf("got %q\nwant %q", got, tt.want)
			}
		})
	}
}

// Property 1: truncated tool output never exceeds the line cap plus the
// header and marker lines, and the header is always preserved.
func TestProperty_TruncationBoundsToolOutput(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxLines := rapid.IntRange(1, 20).Draw(rt, "maxLines")
		maxChars := rapid.IntRange(1, 500).Draw(rt, "maxChars")
		n := rapid.IntRange(1, 100).Draw(rt, "n")
		lines := make([]string, n)
		for i := range lines {
			lines[i] = rapid.StringMatching(`[a-z ]{0,30}`).Draw(rt, fmt.Sprintf("line%d", i))
		}
		chunk := toolChunk(lines...)

		got := TruncateToolOutput(chunk, maxLines, maxChars)

		if !strings.HasPrefix(got, "[tool:grep]\n") {
			rt.Fatalf("header lost: %q", got)
		}
		if got == chunk {
			return
		}
		body := strings.TrimPrefix(got, "[tool:grep]\n")
		bodyLines := strings.Split(strings.TrimSuffix(body, "\n"), "\n")
		marker := bodyLines[len(bodyLines)-1]
		if !strings.HasPrefix(marker, "[content truncated: ") {
			rt.Fatalf("missing truncation marker: %q", got)
		}
		payload := strings.Join(bodyLines[:len(bodyLines)-1], "\n")
		if len(bodyLines)-1 > maxLines {
			rt.Fatalf("kept %d lines, cap %d", len(bodyLines)-1, maxLines)
		}
		if len([]rune(payload)) > maxChars {
			rt.Fatalf("kept %d chars, cap %d", len([]rune(payload)), maxChars)
		}
	})
}

// Property 2: chunks without the tool marker pass through unchanged.
func TestProperty_PlainTextPassesThrough(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		text := rapid.String().Draw(rt, "text")
		if strings.HasPrefix(text, "[tool:") {
			return
		}
		if got := TruncateToolOutput(text, 1, 1); got != text {
			rt.Fatalf("plain text modified: %q -> %q", text, got)
		}
	})
}
