// Package classify derives grade levels and audience from page and record text.
package classify

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// UnknownGrade is returned when no grade rule matches.
const UnknownGrade = "Unknown Grade"

// ContentType is the audience a correction targets.
type ContentType string

const (
	TeacherFacing ContentType = "Teacher-facing"
	StudentFacing ContentType = "Student-facing"
)

// GradeRule maps a pattern to a label. When the pattern has a capture
// group, Label is used as a format string receiving the captured text.
type GradeRule struct {
	Pattern string
	Label   string
}

// Rules is the immutable configuration of a Classifier.
type Rules struct {
	TitleRules []GradeRule
	URLRules   []GradeRule

	TeacherResourceKeywords    []string
	TeacherDescriptionKeywords []string
	StudentResourceKeywords    []string

	GradeOrder []string
}

// DefaultRules returns the grade and audience rules for the errata pages.
func DefaultRules() Rules {
	return Rules{
		TitleRules: []GradeRule{
			{Pattern: `kindergarten`, Label: "Kindergarten"},
			{Pattern: `grade\s*(\d+)`, Label: "Grade %s"},
			{Pattern: `algebra\s*(\d+)`, Label: "Algebra %s"},
			{Pattern: `geometry`, Label: "Geometry"},
			{Pattern: `pre-algebra`, Label: "Pre-Algebra"},
			{Pattern: `calculus`, Label: "Calculus"},
		},
		URLRules: []GradeRule{
			{Pattern: `kindergarten`, Label: "Kindergarten"},
			{Pattern: `grade-(\d+)`, Label: "Grade %s"},
			{Pattern: `algebra-(\d+)`, Label: "Algebra %s"},
			{Pattern: `geometry`, Label: "Geometry"},
			{Pattern: `pre-algebra`, Label: "Pre-Algebra"},
			{Pattern: `calculus`, Label: "Calculus"},
		},
		TeacherResourceKeywords: []string{
			"teacher", "teacher edition", "teacher guide", "answer key",
			"solutions", "rubric", "scoring guide", "responding to student thinking",
			"notes", "script",
		},
		TeacherDescriptionKeywords: []string{
			"responding to student thinking", "teacher guide", "answer key",
			"scoring guide", "rubric", "teacher edition", "instructor",
			"facilitator", "teaching notes", "pedagogical",
		},
		StudentResourceKeywords: []string{
			"student workbook", "student", "practice problem", "warm-up",
			"cool-down", "activity", "task", "lesson", "assessment",
			"checkpoint", "quiz", "test", "exit ticket",
		},
		GradeOrder: []string{
			"Kindergarten",
			"Grade 1", "Grade 2", "Grade 3", "Grade 4",
			"Grade 5", "Grade 6", "Grade 7", "Grade 8",
			"Algebra 1", "Geometry", "Algebra 2",
		},
	}
}

type compiledRule struct {
	re    *regexp.Regexp
	label string
}

// Classifier applies a Rules value. It holds no mutable state.
type Classifier struct {
	rules Rules
	title []compiledRule
	url   []compiledRule
}

// New compiles rules into a Classifier.
func New(rules Rules) (*Classifier, error) {
	title, err := compile(rules.TitleRules)
	if err != nil {
		return nil, fmt.Errorf("compile title rules: %w", err)
	}
	url, err := compile(rules.URLRules)
	if err != nil {
		return nil, fmt.Errorf("compile url rules: %w", err)
	}
	return &Classifier{rules: rules, title: title, url: url}, nil
}

// Default returns a Classifier built from DefaultRules.
func Default() *Classifier {
	c, err := New(DefaultRules())
	if err != nil {
		panic(err)
	}
	return c
}

func compile(rules []GradeRule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(`(?i)` + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		out = append(out, compiledRule{re: re, label: r.Label})
	}
	return out, nil
}

// Grade derives a grade label from the page title, then the page URL.
func (c *Classifier) Grade(title, url string) string {
	if label, ok := match(c.title, title); ok {
		return label
	}
	if label, ok := match(c.url, url); ok {
		return label
	}
	return UnknownGrade
}

func match(rules []compiledRule, text string) (string, bool) {
	if text == "" {
		return "", false
	}
	for _, r := range rules {
		m := r.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		if len(m) > 1 {
			return fmt.Sprintf(r.label, m[1]), true
		}
		return r.label, true
	}
	return "", false
}

// ContentType decides whether a correction is aimed at teachers or students.
// Teacher signals win over student ones; the default is teacher-facing.
func (c *Classifier) ContentType(resource, description string) ContentType {
	res := strings.ToLower(resource)
	desc := strings.ToLower(description)

	if containsAny(res, c.rules.TeacherResourceKeywords) {
		return TeacherFacing
	}
	if containsAny(desc, c.rules.TeacherDescriptionKeywords) {
		return TeacherFacing
	}
	if containsAny(res, c.rules.StudentResourceKeywords) {
		return StudentFacing
	}
	return TeacherFacing
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// GradeRank returns the educational position of a grade label. Unlisted
// labels sort after every listed one.
func (c *Classifier) GradeRank(label string) int {
	if i := slices.Index(c.rules.GradeOrder, label); i >= 0 {
		return i
	}
	return len(c.rules.GradeOrder)
}

// SortGrades orders labels by grade, then alphabetically for unlisted ones.
func (c *Classifier) SortGrades(labels []string) []string {
	out := slices.Clone(labels)
	slices.SortStableFunc(out, func(a, b string) int {
		ra, rb := c.GradeRank(a), c.GradeRank(b)
		if ra != rb {
			return ra - rb
		}
		return strings.Compare(a, b)
	})
	return out
}
