package extract

import (
	"os"
	"strings"
	"testing"
)

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func TestMeasureQuality(t *testing.T) {
	pages := []string{
		"This is a perfectly ordinary page of extracted text with many normal words.",
		"Another page follows with more readable sentences and nothing unusual at all.",
	}
	q := measureQuality(pages)
	if q.PageCount != 2 {
		t.Errorf("PageCount = %d", q.PageCount)
	}
	if q.PrintableRatio < 0.99 {
		t.Errorf("PrintableRatio = %f", q.PrintableRatio)
	}
	if q.WordlikeRatio < 0.9 {
		t.Errorf("WordlikeRatio = %f", q.WordlikeRatio)
	}
	if q.Suspect() {
		t.Error("clean text flagged as suspect")
	}
}

func TestQualitySuspectOnEmptyPages(t *testing.T) {
	q := measureQuality([]string{"", "", ""})
	if !q.Suspect() {
		t.Error("near-empty pages should be suspect")
	}
}

func TestQualitySuspectOnGarbage(t *testing.T) {
	garbage := strings.Repeat("�", 100)
	q := measureQuality([]string{garbage})
	if q.PrintableRatio > 0.1 {
		t.Errorf("PrintableRatio = %f for pure garbage", q.PrintableRatio)
	}
	if !q.Suspect() {
		t.Error("garbage text should be suspect")
	}
}

func TestCreationYear(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"D:20240105120000Z", 2024},
		{"D:19991231", 1999},
		{"20150601", 2015},
		{"D:20", 0},
		{"", 0},
		{"D:abcd0101", 0},
	}
	for _, tt := range tests {
		if got := creationYear(tt.in); got != tt.want {
			t.Errorf("creationYear(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeText(t *testing.T) {
	in := "Multiple   spaces\tand\ttabs \r here�"
	want := "Multiple spaces and tabs here"
	if got := normalizeText(in); got != want {
		t.Errorf("normalizeText = %q, want %q", got, want)
	}
}

func TestPDFExtractorRejectsNonPDF(t *testing.T) {
	path := t.TempDir() + "/fake.pdf"
	if err := writeFile(path, "this is not a pdf at all"); err != nil {
		t.Fatal(err)
	}
	e := NewPDFExtractor()
	if _, err := e.ExtractFile(path); err == nil {
		t.Error("expected error on non-PDF input")
	}
}
