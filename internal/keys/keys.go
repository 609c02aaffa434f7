// Package keys generates and normalizes document keys.
//
// A key is the stable human-chosen identifier joining the archive store,
// catalog, and vector index (e.g. "smith2020ndr"). The canonical generated
// form is authorYYYYslug, where the slug is one or two distinctive words
// from the title.
package keys

import (
	"regexp"
	"strings"
	"unicode"
)

// Characters unsafe in filenames on any major filesystem (POSIX + Windows + HFS+).
var unsafeRE = regexp.MustCompile(`[/\\:*?"<>|\x00]`)

var wordRE = regexp.MustCompile(`[a-z]{3,}`)

// Generic stopwords plus academic filler words excluded from title slugs.
var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(
		"the a an and or but nor for yet so of in on at to from by with " +
			"about as into like through after over between out against during " +
			"without before under around among this that these those its his " +
			"her their our your all any both each few more most other some such " +
			"new via using towards toward can may will one two three first second " +
			"advances analysis based efficient highly improved investigation review " +
			"study comprehensive overview approach method methods preliminary " +
			"experimental theoretical computational proposed systematic comparative " +
			"general applied effect effects role recent novel") {
		stopwords[w] = struct{}{}
	}
}

// Sanitize strips characters that are unsafe in filenames. Called at key
// creation time (ingest, rename) and again defensively before any path
// construction.
func Sanitize(key string) string {
	return strings.TrimSpace(unsafeRE.ReplaceAllString(key, ""))
}

// Shard returns the single-character shard directory for a key. The first
// character is lowered to ASCII; non-ASCII or non-alphanumeric leaders fall
// into the "_" bucket so every key maps to a directory that is safe on all
// filesystems.
func Shard(key string) string {
	if key == "" {
		return "_"
	}
	ch := unicode.ToLower(rune(key[0]))
	if ch < 128 && (unicode.IsLetter(ch) || unicode.IsDigit(ch)) {
		return string(ch)
	}
	return "_"
}

// SlugFromTitle extracts one or two distinctive lowercase words from a title.
// A single long word (>= 8 chars) stands alone; otherwise up to two shorter
// meaningful words are joined. Returns "" when the title has no usable words.
func SlugFromTitle(title string) string {
	words := wordRE.FindAllString(asciiFold(title), -1)
	var meaningful []string
	for _, w := range words {
		if _, stop := stopwords[w]; !stop {
			meaningful = append(meaningful, w)
		}
	}
	if len(meaningful) == 0 {
		return ""
	}
	if len(meaningful[0]) >= 8 {
		return meaningful[0]
	}
	if len(meaningful) >= 2 {
		return meaningful[0] + meaningful[1]
	}
	return meaningful[0]
}

// Make builds a key from the first author's surname, year, and title.
// Example: Make("de Silva", 2007, "Molecular logic gates") == "desilva2007molecular".
func Make(surname string, year int, title string) string {
	var b strings.Builder
	for _, r := range asciiFold(surname) {
		if r >= 'a' && r <= 'z' {
			b.WriteRune(r)
		} else if r >= 'A' && r <= 'Z' {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	name := b.String()
	if name == "" {
		name = "unknown"
	}
	yr := "XXXX"
	if year > 0 {
		yr = itoa4(year)
	}
	return name + yr + SlugFromTitle(title)
}

// Surname extracts a surname from a single author name, handling both
// "Surname, Given" and "Given Surname" forms.
func Surname(author string) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	if i := strings.IndexByte(author, ','); i >= 0 {
		return strings.TrimSpace(author[:i])
	}
	parts := strings.Fields(author)
	return parts[len(parts)-1]
}

// asciiFold lowers text and drops diacritics for the common cases seen in
// author names and titles. Non-Latin characters are dropped.
func asciiFold(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r < 128:
			b.WriteRune(r)
		case r >= 'à' && r <= 'å', r == 'ā', r == 'ă':
			b.WriteByte('a')
		case r >= 'è' && r <= 'ë', r == 'ē', r == 'ė':
			b.WriteByte('e')
		case r >= 'ì' && r <= 'ï', r == 'ī':
			b.WriteByte('i')
		case r >= 'ò' && r <= 'ö', r == 'ø', r == 'ō':
			b.WriteByte('o')
		case r >= 'ù' && r <= 'ü', r == 'ū':
			b.WriteByte('u')
		case r == 'ç', r == 'ć', r == 'č':
			b.WriteByte('c')
		case r == 'ñ', r == 'ń':
			b.WriteByte('n')
		case r == 'ß':
			b.WriteString("ss")
		}
	}
	return b.String()
}

func itoa4(year int) string {
	digits := [4]byte{}
	for i := 3; i >= 0; i-- {
		digits[i] = byte('0' + year%10)
		year /= 10
	}
	return string(digits[:])
}
