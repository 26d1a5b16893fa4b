package parser

// Abbreviation maps a short whole-word form to its expansion.
type Abbreviation struct {
	Short string
	Long  string
}

// DateLayout is a time layout tried when normalizing dates. TwoDigitYear
// marks layouts whose year is "06", which get the 00-49 / 50-99 pivot.
type DateLayout struct {
	Layout       string
	TwoDigitYear bool
}

// Rules is the immutable ruleset a Normalizer is built from.
type Rules struct {
	DateLayouts      []DateLayout
	ResourcePrefixes []string
	Abbreviations    []Abbreviation
	// CacheSize bounds the ParseComponent memo. Zero disables it.
	CacheSize int
}

// DefaultRules returns the ruleset used for the curriculum errata tables.
func DefaultRules() Rules {
	return Rules{
		DateLayouts: []DateLayout{
			{Layout: "1/2/06", TwoDigitYear: true},
			{Layout: "1/2/2006"},
			{Layout: "1-2-06", TwoDigitYear: true},
			{Layout: "1-2-2006"},
			{Layout: "2006-1-2"},
			{Layout: "2006/1/2"},
			{Layout: "2/1/06", TwoDigitYear: true},
			{Layout: "2/1/2006"},
		},
		ResourcePrefixes: []string{
			"Teacher Edition",
			"Student Edition",
			"Teacher Guide",
			"Student Guide",
			"Glossary",
			"Answer Key",
		},
		Abbreviations: []Abbreviation{
			{Short: "Te", Long: "Teacher Edition"},
			{Short: "Tg", Long: "Teacher Guide"},
			{Short: "Tcg", Long: "Teacher Course Guide"},
			{Short: "Se", Long: "Student Edition"},
		},
		CacheSize: 1024,
	}
}
