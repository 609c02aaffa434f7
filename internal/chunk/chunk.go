// Package chunk splits page text into overlapping chunks at sentence
// boundaries. Chunks carry their source page and character range so vector
// index payloads can point back into the archive.
package chunk

import (
	"regexp"
	"strings"
)

const (
	// DefaultMaxChars is the target maximum characters per chunk.
	DefaultMaxChars = 500
	// DefaultOverlap is the approximate character overlap between
	// consecutive chunks.
	DefaultOverlap = 100
)

// Chunk is one overlapping segment of a page.
type Chunk struct {
	Text      string
	Page      int // 1-indexed source page
	CharStart int // offset of the first sentence within the page text
	CharEnd   int // offset just past the last sentence
}

var sentenceEndRE = regexp.MustCompile(`[.!?](\s+)`)

type sentence struct {
	text  string
	start int
	end   int
}

// Page splits one page's text into overlapping chunks. Page numbers are
// 1-indexed. Empty or whitespace-only text yields no chunks.
func Page(text string, page int) []Chunk {
	return PageSized(text, page, DefaultMaxChars, DefaultOverlap)
}

// PageSized is Page with explicit size and overlap budgets.
func PageSized(text string, page, maxChars, overlap int) []Chunk {
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var chunks []Chunk
	var current []sentence
	currentLen := 0

	emit := func() {
		if len(current) == 0 {
			return
		}
		parts := make([]string, len(current))
		for i, s := range current {
			parts[i] = s.text
		}
		chunks = append(chunks, Chunk{
			Text:      strings.Join(parts, " "),
			Page:      page,
			CharStart: current[0].start,
			CharEnd:   current[len(current)-1].end,
		})
	}

	for _, s := range sentences {
		// A single oversized sentence becomes its own chunk.
		if len(s.text) > maxChars && len(current) == 0 {
			current = []sentence{s}
			emit()
			current, currentLen = nil, 0
			continue
		}

		if currentLen+len(s.text) > maxChars && len(current) > 0 {
			emit()
			current, currentLen = rewindForOverlap(current, overlap)
		}

		if currentLen > 0 {
			currentLen++ // joining space
		}
		current = append(current, s)
		currentLen += len(s.text)
	}

	// The remainder, unless it is exactly the overlap tail of the last chunk.
	if len(current) > 0 {
		if len(chunks) == 0 || joined(current) != chunks[len(chunks)-1].Text {
			emit()
		}
	}

	return chunks
}

// Document chunks every page of a document in order.
func Document(pages []string) []Chunk {
	var all []Chunk
	for i, text := range pages {
		all = append(all, Page(text, i+1)...)
	}
	return all
}

func joined(sents []sentence) string {
	parts := make([]string, len(sents))
	for i, s := range sents {
		parts[i] = s.text
	}
	return strings.Join(parts, " ")
}

// splitSentences cuts text at sentence-ending punctuation followed by
// whitespace, recording each sentence's offsets in the original text.
func splitSentences(text string) []sentence {
	var out []sentence
	start := 0
	for _, m := range sentenceEndRE.FindAllStringSubmatchIndex(text, -1) {
		// m[2] is the start of the trailing whitespace group.
		end := m[2]
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, sentence{text: s, start: start + leadingSpace(text[start:end]), end: end})
		}
		start = m[3]
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, sentence{text: s, start: start + leadingSpace(text[start:]), end: len(strings.TrimRight(text, " \t\n\r"))})
	}
	return out
}

func leadingSpace(s string) int {
	return len(s) - len(strings.TrimLeft(s, " \t\n\r"))
}

// rewindForOverlap keeps trailing sentences from the emitted chunk that fit
// within the overlap budget, seeding the next chunk.
func rewindForOverlap(sents []sentence, overlap int) ([]sentence, int) {
	var kept []sentence
	total := 0
	for i := len(sents) - 1; i >= 0; i-- {
		added := len(sents[i].text)
		if total > 0 {
			added++
		}
		if total+added > overlap {
			break
		}
		kept = append([]sentence{sents[i]}, kept...)
		total += added
	}
	return kept, total
}
