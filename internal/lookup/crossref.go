// Package lookup resolves bibliographic metadata for a document from an
// external registry, queried by DOI or by free-form title.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the public Crossref REST API.
const DefaultBaseURL = "https://api.crossref.org"

// Result is the metadata an external registry reports for a work. Authors
// are surname-first, matching the bibliographic records.
type Result struct {
	Title   string
	Authors []string
	Year    int
	Journal string
	DOI     string
}

// Crossref queries the Crossref works API.
type Crossref struct {
	baseURL    string
	httpClient *http.Client
}

// NewCrossref returns a client for the given base URL; empty means the
// public API.
func NewCrossref(baseURL string) *Crossref {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Crossref{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// crossrefWork is the subset of a Crossref work record we read.
type crossrefWork struct {
	Title          []string `json:"title"`
	ContainerTitle []string `json:"container-title"`
	DOI            string   `json:"DOI"`
	Author         []struct {
		Family string `json:"family"`
		Given  string `json:"given"`
	} `json:"author"`
	Issued struct {
		DateParts [][]int `json:"date-parts"`
	} `json:"issued"`
}

type workResponse struct {
	Message crossrefWork `json:"message"`
}

type queryResponse struct {
	Message struct {
		Items []crossrefWork `json:"items"`
	} `json:"message"`
}

// Lookup resolves query against the registry. A query that looks like a DOI
// is fetched directly; anything else runs a bibliographic search and takes
// the best match. found is false when the registry has nothing plausible.
func (c *Crossref) Lookup(ctx context.Context, query string) (Result, bool, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, false, nil
	}
	if IsDOI(query) {
		return c.byDOI(ctx, query)
	}
	return c.byTitle(ctx, query)
}

func (c *Crossref) byDOI(ctx context.Context, doi string) (Result, bool, error) {
	var resp workResponse
	ok, err := c.get(ctx, c.baseURL+"/works/"+url.PathEscape(doi), &resp)
	if err != nil || !ok {
		return Result{}, false, err
	}
	return fromWork(resp.Message)
}

func (c *Crossref) byTitle(ctx context.Context, title string) (Result, bool, error) {
	u := c.baseURL + "/works?rows=1&query.bibliographic=" + url.QueryEscape(title)
	var resp queryResponse
	ok, err := c.get(ctx, u, &resp)
	if err != nil || !ok {
		return Result{}, false, err
	}
	if len(resp.Message.Items) == 0 {
		return Result{}, false, nil
	}
	return fromWork(resp.Message.Items[0])
}

func (c *Crossref) get(ctx context.Context, u string, v any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("creating lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("lookup: unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return false, fmt.Errorf("decoding lookup response: %w", err)
	}
	return true, nil
}

func fromWork(w crossrefWork) (Result, bool, error) {
	res := Result{DOI: w.DOI}
	if len(w.Title) > 0 {
		res.Title = strings.TrimSpace(w.Title[0])
	}
	if res.Title == "" {
		return Result{}, false, nil
	}
	if len(w.ContainerTitle) > 0 {
		res.Journal = w.ContainerTitle[0]
	}
	for _, a := range w.Author {
		switch {
		case a.Family != "" && a.Given != "":
			res.Authors = append(res.Authors, a.Family+", "+a.Given)
		case a.Family != "":
			res.Authors = append(res.Authors, a.Family)
		}
	}
	if parts := w.Issued.DateParts; len(parts) > 0 && len(parts[0]) > 0 {
		res.Year = parts[0][0]
	}
	return res, true, nil
}

// IsDOI reports whether s is a bare DOI, like 10.1000/xyz123.
func IsDOI(s string) bool {
	if !strings.HasPrefix(s, "10.") {
		return false
	}
	return strings.Contains(s, "/")
}
