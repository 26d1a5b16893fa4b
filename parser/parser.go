// Package parser normalizes the free text found in errata tables.
package parser

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/ImagineLearning/aia-improvements-viewer/models"
)

// CanonicalDate is the output layout of NormalizeDate.
const CanonicalDate = "2006-01-02"

var (
	whitespaceRe   = regexp.MustCompile(`\s+`)
	pageKeywordRe  = regexp.MustCompile(`(?i)\b(?:pages?|pgs?|pp?)\b\.?\s*`)
	pageNumberRe   = regexp.MustCompile(`\d+(?:-\d+)?`)
	componentPages = regexp.MustCompile(`(?i)(?:pgs?\.?\s*|pages?\s*)(\d+(?:-\d+)?(?:,\s*\d+(?:-\d+)?)*)`)
	componentStrip = regexp.MustCompile(`(?i),?\s*(?:pgs?\.?\s*|pages?\s*)\d+(?:-\d+)?(?:,\s*\d+(?:-\d+)?)*`)
	embeddedDateRe = regexp.MustCompile(`\d{1,4}[/-]\d{1,2}[/-]\d{1,4}`)
)

// Component is the parsed form of a table's first cell.
type Component struct {
	Resource    string
	Location    string
	PageNumbers string
}

type abbreviationRule struct {
	re   *regexp.Regexp
	long string
}

// Normalizer applies a fixed Rules value. It is safe for concurrent use.
type Normalizer struct {
	rules         Rules
	resourceRes   []*regexp.Regexp
	abbreviations []abbreviationRule
	cache         *lru.Cache[string, Component]
}

// New compiles rules into a Normalizer.
func New(rules Rules) (*Normalizer, error) {
	n := &Normalizer{rules: rules}
	for _, prefix := range rules.ResourcePrefixes {
		re, err := regexp.Compile(`(?i)(` + regexp.QuoteMeta(prefix) + `.*?)(?:,|$)`)
		if err != nil {
			return nil, fmt.Errorf("compile resource prefix %q: %w", prefix, err)
		}
		n.resourceRes = append(n.resourceRes, re)
	}
	for _, a := range rules.Abbreviations {
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(a.Short) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("compile abbreviation %q: %w", a.Short, err)
		}
		n.abbreviations = append(n.abbreviations, abbreviationRule{re: re, long: a.Long})
	}
	if rules.CacheSize > 0 {
		cache, err := lru.New[string, Component](rules.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("create component cache: %w", err)
		}
		n.cache = cache
	}
	return n, nil
}

// Default returns a Normalizer built from DefaultRules.
func Default() *Normalizer {
	n, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return n
}

// CollapseWhitespace trims text and folds internal whitespace runs to one space.
func CollapseWhitespace(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

// NormalizeDate rewrites text as YYYY-MM-DD. The second return value is
// false when no layout matched, in which case text is returned trimmed but
// otherwise unchanged.
func (n *Normalizer) NormalizeDate(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", true
	}
	if _, err := time.Parse(CanonicalDate, text); err == nil {
		return text, true
	}
	if out, ok := n.parseDate(text); ok {
		return out, true
	}
	if token := embeddedDateRe.FindString(text); token != "" && token != text {
		if out, ok := n.parseDate(token); ok {
			return out, true
		}
	}
	return text, false
}

func (n *Normalizer) parseDate(text string) (string, bool) {
	for _, layout := range n.rules.DateLayouts {
		t, err := time.Parse(layout.Layout, text)
		if err != nil {
			continue
		}
		// time.Parse pivots two-digit years at 69; errata dates pivot at 50.
		if layout.TwoDigitYear && t.Year() >= 2050 {
			t = t.AddDate(-100, 0, 0)
		}
		return t.Format(CanonicalDate), true
	}
	return "", false
}

// NormalizePageNumbers strips page keywords and joins the numbers and
// ranges found with ", ".
func (n *Normalizer) NormalizePageNumbers(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	stripped := pageKeywordRe.ReplaceAllString(text, "")
	numbers := pageNumberRe.FindAllString(stripped, -1)
	if len(numbers) == 0 {
		return text
	}
	return strings.Join(numbers, ", ")
}

// ParseComponent splits composite cell text into resource, location and
// page numbers.
func (n *Normalizer) ParseComponent(text string) Component {
	text = CollapseWhitespace(text)
	if text == "" {
		return Component{}
	}
	if n.cache != nil {
		if c, ok := n.cache.Get(text); ok {
			return c
		}
	}

	var c Component
	rest := text
	if m := componentPages.FindStringSubmatch(rest); m != nil {
		c.PageNumbers = m[1]
		rest = strings.TrimSpace(componentStrip.ReplaceAllString(rest, ""))
	}

	for _, re := range n.resourceRes {
		m := re.FindStringSubmatch(rest)
		if m == nil {
			continue
		}
		c.Resource = strings.TrimSpace(m[1])
		remaining := strings.ReplaceAll(rest, m[0], "")
		c.Location = strings.TrimSpace(strings.Trim(strings.TrimSpace(remaining), ","))
		break
	}
	if c.Resource == "" {
		c.Resource = rest
	}

	if n.cache != nil {
		n.cache.Add(text, c)
	}
	return c
}

// NormalizeCategorical capitalizes each space-separated word (first rune
// upper case, the rest lower case) and expands abbreviations. Hyphens and
// digits do not start new words: "warm-up" becomes "Warm-up", "3rd" stays "3rd".
func (n *Normalizer) NormalizeCategorical(text string) string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return ""
	}
	upper := cases.Upper(language.Und)
	lower := cases.Lower(language.Und)
	for i, w := range words {
		_, size := utf8.DecodeRuneInString(w)
		words[i] = upper.String(w[:size]) + lower.String(w[size:])
	}
	out := strings.Join(words, " ")
	for _, a := range n.abbreviations {
		out = a.re.ReplaceAllLiteralString(out, a.long)
	}
	return out
}

// CleanRecord returns rec with every field collapsed and the categorical,
// page and date fields normalized.
func (n *Normalizer) CleanRecord(rec models.ErrataRecord) models.ErrataRecord {
	for _, col := range models.Columns() {
		rec.SetField(col, CollapseWhitespace(rec.Field(col)))
	}
	rec.Unit = n.NormalizeCategorical(rec.Unit)
	rec.Resource = n.NormalizeCategorical(rec.Resource)
	rec.Location = n.NormalizeCategorical(rec.Location)
	rec.PageNumbers = n.NormalizePageNumbers(rec.PageNumbers)
	rec.DateUpdated, _ = n.NormalizeDate(rec.DateUpdated)
	return rec
}

// ValidateRecord ensures the fields a stored record needs are present.
func ValidateRecord(rec models.ErrataRecord) error {
	if strings.TrimSpace(rec.Unit) == "" {
		return fmt.Errorf("record missing unit")
	}
	if strings.TrimSpace(rec.Resource) == "" {
		return fmt.Errorf("record missing resource for unit %s", rec.Unit)
	}
	if strings.TrimSpace(rec.ImprovementDescription) == "" {
		return fmt.Errorf("record missing improvement description for %s / %s", rec.Unit, rec.Resource)
	}
	return nil
}
