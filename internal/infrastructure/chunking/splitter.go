package chunking

import (
	"strings"
	"unicode/utf8"
)

const (
	defaultChunkSize    = 1000
	defaultOverlap      = 100
	defaultMinChunkSize = 50
)

// Splitter cuts text into overlapping passages, preferring sentence ends
// over word boundaries over hard cuts. Sizes are counted in runes.
type Splitter struct {
	ChunkSize    int
	Overlap      int
	MinChunkSize int
}

func NewSplitter(chunkSize, overlap, minChunkSize int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if minChunkSize < 0 {
		minChunkSize = 0
	}
	return &Splitter{
		ChunkSize:    chunkSize,
		Overlap:      overlap,
		MinChunkSize: minChunkSize,
	}
}

// DefaultSplitter uses the sizes the pipeline ships with.
func DefaultSplitter() *Splitter {
	return NewSplitter(defaultChunkSize, defaultOverlap, defaultMinChunkSize)
}

func (s *Splitter) Split(text string) []string {
	if utf8.RuneCountInString(strings.TrimSpace(text)) < s.MinChunkSize {
		return nil
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	out := make([]string, 0, len(runes)/s.ChunkSize+1)
	for start := 0; start < len(runes); {
		end := start + s.ChunkSize
		if end > len(runes) {
			end = len(runes)
		}
		cut := end
		if end < len(runes) {
			cut = s.cutPosition(runes, start, end)
		}

		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" && utf8.RuneCountInString(chunk) >= s.MinChunkSize {
			out = append(out, chunk)
		}
		if cut >= len(runes) {
			break
		}

		next := cut - s.Overlap
		if next <= start {
			next = cut
		}
		start = next
	}
	return out
}

// cutPosition returns the exclusive end of the passage starting at start.
func (s *Splitter) cutPosition(runes []rune, start, end int) int {
	for i := end - 2; i >= start; i-- {
		if isSentenceMark(runes[i]) && (runes[i+1] == ' ' || runes[i+1] == '\n') {
			return i + 2
		}
	}
	for i := end - 1; i >= start; i-- {
		if runes[i] != ' ' {
			continue
		}
		// a space too early in the window would leave a stub passage
		if (i-start)*10 >= s.ChunkSize*7 {
			return i + 1
		}
		break
	}
	return end
}

func isSentenceMark(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}
