package extract

import (
	"fmt"
	"strconv"
	"strings"

	ledongthuc "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// Compile-time check that PDFExtractor implements Extractor.
var _ Extractor = (*PDFExtractor)(nil)

// PDFExtractor extracts text and metadata from PDF files. Files are validated
// with pdfcpu before parsing so broken inputs fail with a clear error instead
// of garbage pages.
type PDFExtractor struct {
	conf *model.Configuration
}

// NewPDFExtractor returns a ready extractor.
func NewPDFExtractor() *PDFExtractor {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	return &PDFExtractor{conf: conf}
}

// ExtractFile validates the PDF at path and returns its page texts plus any
// metadata hints from the info dictionary.
func (e *PDFExtractor) ExtractFile(path string) (Document, error) {
	if err := api.ValidateFile(path, e.conf); err != nil {
		return Document{}, fmt.Errorf("validating pdf: %w", err)
	}

	f, r, err := ledongthuc.Open(path)
	if err != nil {
		return Document{}, fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	doc := Document{}
	readInfo(r, &doc)

	for i := 1; i <= r.NumPage(); i++ {
		text, err := pageText(r, i)
		if err != nil {
			return Document{}, fmt.Errorf("extracting page %d: %w", i, err)
		}
		doc.Pages = append(doc.Pages, normalizeText(text))
	}
	if len(doc.Pages) == 0 {
		return Document{}, fmt.Errorf("pdf has no pages")
	}

	doc.Quality = measureQuality(doc.Pages)
	return doc, nil
}

// pageText isolates the parser so a panic inside it (the pdf library panics
// on some malformed content streams) surfaces as an error for that page.
func pageText(r *ledongthuc.Reader, n int) (text string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("pdf parser: %v", p)
		}
	}()
	page := r.Page(n)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

func readInfo(r *ledongthuc.Reader, doc *Document) {
	defer func() { recover() }()
	info := r.Trailer().Key("Info")
	if info.IsNull() {
		return
	}
	doc.Title = strings.TrimSpace(info.Key("Title").Text())
	doc.Author = strings.TrimSpace(info.Key("Author").Text())
	doc.Year = creationYear(info.Key("CreationDate").Text())
}

// creationYear parses the year out of a PDF date string, "D:YYYYMMDD...".
func creationYear(date string) int {
	date = strings.TrimPrefix(date, "D:")
	if len(date) < 4 {
		return 0
	}
	year, err := strconv.Atoi(date[:4])
	if err != nil || year < 1000 || year > 9999 {
		return 0
	}
	return year
}

// normalizeText collapses runs of whitespace and strips unprintable runes so
// downstream chunking sees clean sentences.
func normalizeText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			sb.WriteByte('\n')
			prevSpace = true
		case r == ' ' || r == '\t' || r == '\r':
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case isGarbageRune(r):
			// drop
		default:
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
