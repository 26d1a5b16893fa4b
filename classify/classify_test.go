package classify

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestGrade(t *testing.T) {
	c := Default()

	tests := []struct {
		name  string
		title string
		url   string
		want  string
	}{
		{name: "kindergarten title", title: "Kindergarten Errata", want: "Kindergarten"},
		{name: "grade title", title: "Grade 3 Errata | Illustrative Math", want: "Grade 3"},
		{name: "grade without space", title: "grade7 errata", want: "Grade 7"},
		{name: "algebra title", title: "Algebra 2 Errata", want: "Algebra 2"},
		{name: "geometry title", title: "Geometry Errata", want: "Geometry"},
		{name: "url fallback", title: "Errata", url: "https://example.test/wikis/18746473-grade-1-errata?path=Wiki.1", want: "Grade 1"},
		{name: "url algebra", title: "", url: "https://example.test/wikis/9-algebra-1-errata", want: "Algebra 1"},
		{name: "title wins over url", title: "Grade 5", url: "https://example.test/wikis/grade-6", want: "Grade 5"},
		{name: "unknown", title: "Errata", url: "https://example.test/wikis/misc", want: UnknownGrade},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Grade(tt.title, tt.url); got != tt.want {
				t.Fatalf("Grade(%q, %q) = %q, want %q", tt.title, tt.url, got, tt.want)
			}
		})
	}
}

func TestContentType(t *testing.T) {
	c := Default()

	tests := []struct {
		resource    string
		description string
		want        ContentType
	}{
		{"Teacher Edition Glossary", "Fixed typo", TeacherFacing},
		{"Student Workbook Unit 1", "Corrected spelling error", StudentFacing},
		{"Student Edition", "Updated the responding to student thinking section", TeacherFacing},
		{"Cool-Down", "Answer changed", StudentFacing},
		{"Glossary", "Definition reworded", TeacherFacing},
		{"Answer Key", "Fixed answer", TeacherFacing},
	}

	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			if got := c.ContentType(tt.resource, tt.description); got != tt.want {
				t.Fatalf("ContentType(%q, %q) = %q, want %q", tt.resource, tt.description, got, tt.want)
			}
		})
	}
}

func TestSortGrades(t *testing.T) {
	c := Default()
	in := []string{"Algebra 2", "Grade 3", UnknownGrade, "Kindergarten", "Geometry", "Grade 10", "Algebra 1"}
	want := []string{"Kindergarten", "Grade 3", "Algebra 1", "Geometry", "Algebra 2", "Grade 10", UnknownGrade}

	if diff := cmp.Diff(want, c.SortGrades(in)); diff != "" {
		t.Fatalf("SortGrades mismatch (-want +got):\n%s", diff)
	}
	if in[0] != "Algebra 2" {
		t.Fatalf("SortGrades mutated its input")
	}
}

func TestNewRejectsBadPattern(t *testing.T) {
	rules := DefaultRules()
	rules.TitleRules = append(rules.TitleRules, GradeRule{Pattern: "grade(", Label: "x"})
	if _, err := New(rules); err == nil {
		t.Fatalf("expected compile error")
	}
}
