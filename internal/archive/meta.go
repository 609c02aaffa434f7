package archive

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Metadata is the structured document record stored inside each archive.
// The archive copy is authoritative for rebuilds: the catalog row is derived
// from it and never holds anything the archive does not.
type Metadata struct {
	Key         string   `json:"key"`
	ContentHash string   `json:"content_hash"`
	Title       string   `json:"title"`
	Authors     []string `json:"authors,omitempty"`
	FirstAuthor string   `json:"first_author,omitempty"`
	Year        int      `json:"year,omitempty"`
	Journal     string   `json:"journal,omitempty"`
	DOI         string   `json:"doi,omitempty"`
	PageCount   int      `json:"page_count,omitempty"`
	Abstract    string   `json:"abstract,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	IngestedAt  string   `json:"ingested_at,omitempty"`
}

// Validate enforces the minimum record: key, content hash, and title must be
// present before an archive may be created.
func (m Metadata) Validate() error {
	if strings.TrimSpace(m.Key) == "" {
		return fmt.Errorf("metadata: empty key")
	}
	if strings.TrimSpace(m.ContentHash) == "" {
		return fmt.Errorf("metadata: empty content hash")
	}
	if strings.TrimSpace(m.Title) == "" {
		return fmt.Errorf("metadata: empty title")
	}
	return nil
}

func (m Metadata) marshal() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encoding metadata: %w", err)
	}
	return string(b), nil
}

func unmarshalMeta(s string) (Metadata, error) {
	var m Metadata
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return Metadata{}, fmt.Errorf("decoding metadata: %w", err)
	}
	return m, nil
}

// Patch applies whitelisted field corrections. Unknown fields are rejected so
// a typo cannot silently no-op; identity fields (key, content_hash) are not
// patchable.
func (m *Metadata) Patch(fields map[string]any) error {
	for name, val := range fields {
		switch name {
		case "title":
			s, err := stringField(name, val)
			if err != nil {
				return err
			}
			if strings.TrimSpace(s) == "" {
				return fmt.Errorf("patch: title cannot be emptied")
			}
			m.Title = s
		case "authors":
			list, err := stringListField(name, val)
			if err != nil {
				return err
			}
			m.Authors = list
			if len(list) > 0 {
				m.FirstAuthor = list[0]
			}
		case "first_author":
			s, err := stringField(name, val)
			if err != nil {
				return err
			}
			m.FirstAuthor = s
		case "year":
			switch v := val.(type) {
			case int:
				m.Year = v
			case float64:
				m.Year = int(v)
			default:
				return fmt.Errorf("patch: year must be a number, got %T", val)
			}
		case "journal":
			s, err := stringField(name, val)
			if err != nil {
				return err
			}
			m.Journal = s
		case "doi":
			s, err := stringField(name, val)
			if err != nil {
				return err
			}
			m.DOI = s
		case "abstract":
			s, err := stringField(name, val)
			if err != nil {
				return err
			}
			m.Abstract = s
		case "tags":
			list, err := stringListField(name, val)
			if err != nil {
				return err
			}
			m.Tags = list
		default:
			return fmt.Errorf("patch: unknown or immutable field %q", name)
		}
	}
	return nil
}

func stringField(name string, val any) (string, error) {
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("patch: %s must be a string, got %T", name, val)
	}
	return s, nil
}

func stringListField(name string, val any) ([]string, error) {
	switch v := val.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("patch: %s[%d] must be a string, got %T", name, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("patch: %s must be a string list, got %T", name, val)
	}
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339)
}
