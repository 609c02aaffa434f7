package extract

import (
	"strings"
	"unicode"
)

// Quality captures metrics about how well text extraction went. Archives
// record nothing from it; it only feeds the ingest proposal so the user can
// see a scanned or damaged PDF before committing it.
type Quality struct {
	PageCount      int     `json:"page_count"`
	CharsPerPage   float64 `json:"chars_per_page"`
	PrintableRatio float64 `json:"printable_ratio"`
	WordlikeRatio  float64 `json:"wordlike_ratio"`
}

// Suspect returns true if the extraction likely missed most of the content,
// typically a scanned PDF with no text layer.
func (q Quality) Suspect() bool {
	return q.CharsPerPage < 50 || q.PrintableRatio < 0.85
}

func measureQuality(pages []string) Quality {
	q := Quality{PageCount: len(pages)}
	if len(pages) == 0 {
		return q
	}
	full := strings.Join(pages, "\n")
	q.CharsPerPage = float64(len([]rune(full))) / float64(len(pages))
	q.PrintableRatio = printableRatio(full)
	q.WordlikeRatio = wordlikeRatio(full)
	return q
}

// printableRatio returns the ratio of printable characters in text.
// Private-use runes, the replacement character, and control characters other
// than whitespace count as garbage.
func printableRatio(text string) float64 {
	if len(text) == 0 {
		return 1.0
	}
	total := 0
	printable := 0
	for _, r := range text {
		total++
		if isGarbageRune(r) {
			continue
		}
		if unicode.IsPrint(r) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	return float64(printable) / float64(total)
}

func isGarbageRune(r rune) bool {
	if r >= 0xE000 && r <= 0xF8FF {
		return true
	}
	if r == 0xFFFD {
		return true
	}
	if r < 0x0020 && r != '\n' && r != '\r' && r != '\t' {
		return true
	}
	return false
}

// wordlikeRatio returns the ratio of word-like tokens (length 2-15) to total
// tokens.
func wordlikeRatio(text string) float64 {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return 0
	}
	wordlike := 0
	for _, f := range fields {
		n := len([]rune(f))
		if n >= 2 && n <= 15 {
			wordlike++
		}
	}
	return float64(wordlike) / float64(len(fields))
}
