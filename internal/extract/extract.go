// Package extract pulls page text and metadata hints out of source PDFs.
package extract

// Document is the raw extraction result. Metadata fields are hints read from
// the PDF's info dictionary; the caller decides whether to trust them.
type Document struct {
	Title   string
	Author  string
	Year    int
	Pages   []string
	Quality Quality
}

// PageCount returns the number of extracted pages.
func (d Document) PageCount() int { return len(d.Pages) }

// Extractor turns a PDF file into a Document.
type Extractor interface {
	ExtractFile(path string) (Document, error)
}
