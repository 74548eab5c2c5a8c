package ingest

import (
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// Chunk splits text into windows of at most size runes, each starting
// overlap runes before the end of the previous one. A window is cut at the
// last whitespace in its second half when there is one, so words are rarely
// split.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}
	if len(runes) <= size {
		return []string{string(runes)}
	}

	var chunks []string
	start := 0
	for start < len(runes) {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end - 1; i > start+size/2; i-- {
				if unicode.IsSpace(runes[i]) {
					end = i
					break
				}
			}
		}
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(runes) {
			break
		}
		start = max(end-overlap, start+1)
	}
	return chunks
}
