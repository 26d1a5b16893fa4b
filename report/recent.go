package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/ImagineLearning/aia-improvements-viewer/classify"
	"github.com/ImagineLearning/aia-improvements-viewer/models"
	"github.com/ImagineLearning/aia-improvements-viewer/parser"
)

// Filter selects records by audience.
type Filter string

const (
	FilterAll     Filter = "all"
	FilterStudent Filter = "student"
	FilterTeacher Filter = "teacher"
)

// ParseFilter accepts all, student or teacher in any case.
func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FilterAll:
		return FilterAll, nil
	case FilterStudent, FilterTeacher:
		return f, nil
	}
	return "", fmt.Errorf("unknown content filter %q (want all, student or teacher)", s)
}

func (f Filter) allows(ct classify.ContentType) bool {
	switch f {
	case FilterStudent:
		return ct == classify.StudentFacing
	case FilterTeacher:
		return ct == classify.TeacherFacing
	}
	return true
}

// Entry is a record annotated with its audience.
type Entry struct {
	models.ErrataRecord
	ContentType classify.ContentType
}

// Recent filters records by audience and grade and returns up to n of them,
// newest Date_Updated first. Records whose date does not parse sort last;
// ties keep their stored order. n <= 0 returns every match.
func Recent(records []models.ErrataRecord, c *classify.Classifier, filter Filter, grades []string, n int) []Entry {
	var entries []Entry
	for _, rec := range records {
		if len(grades) > 0 && !slices.Contains(grades, rec.GradeLevel) {
			continue
		}
		ct := c.ContentType(rec.Resource, rec.ImprovementDescription)
		if !filter.allows(ct) {
			continue
		}
		entries = append(entries, Entry{ErrataRecord: rec, ContentType: ct})
	}

	type keyed struct {
		entry Entry
		date  time.Time
		ok    bool
	}
	sorted := make([]keyed, len(entries))
	for i, e := range entries {
		d, err := time.Parse(parser.CanonicalDate, e.DateUpdated)
		sorted[i] = keyed{entry: e, date: d, ok: err == nil}
	}
	slices.SortStableFunc(sorted, func(a, b keyed) int {
		switch {
		case a.ok && !b.ok:
			return -1
		case !a.ok && b.ok:
			return 1
		case !a.ok && !b.ok:
			return 0
		}
		return b.date.Compare(a.date)
	})

	if n > 0 && len(sorted) > n {
		sorted = sorted[:n]
	}
	out := make([]Entry, len(sorted))
	for i, k := range sorted {
		out[i] = k.entry
	}
	return out
}

// RenderRecent writes entries as a table.
func RenderRecent(w io.Writer, entries []Entry) {
	t := newTable(w, fmt.Sprintf("Recent Changes (%d)", len(entries)))
	t.AppendHeader(table.Row{"Updated", "Grade", "Unit", "Resource", "Pages", "Description", "Audience"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})
	for _, e := range entries {
		t.AppendRow(table.Row{
			e.DateUpdated,
			e.GradeLevel,
			e.Unit,
			e.Resource,
			e.PageNumbers,
			e.ImprovementDescription,
			string(e.ContentType),
		})
	}
	t.Render()
}
