// Package report renders run summaries and the recent-changes view of the
// stored errata.
package report

import (
	"cmp"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/ImagineLearning/aia-improvements-viewer/classify"
	"github.com/ImagineLearning/aia-improvements-viewer/models"
)

// Count is one label and how many records carry it.
type Count struct {
	Label string
	Count int
}

// Summary is the end-of-run report.
type Summary struct {
	Generated         time.Time
	Records           int
	ByUnit            []Count
	ByResource        []Count
	ByContentType     []Count
	ByGrade           []Count
	ByImprovementType []Count
	Warnings          []string
	Run               *models.RunResult
}

// Summarize counts records by unit, resource, content type, grade and
// improvement type. Empty values are not counted. run may be nil.
func Summarize(records []models.ErrataRecord, c *classify.Classifier, warnings []string, run *models.RunResult) Summary {
	units := map[string]int{}
	resources := map[string]int{}
	contentTypes := map[string]int{}
	grades := map[string]int{}
	improvementTypes := map[string]int{}

	for _, rec := range records {
		inc(units, rec.Unit)
		inc(resources, rec.Resource)
		inc(contentTypes, string(c.ContentType(rec.Resource, rec.ImprovementDescription)))
		inc(grades, rec.GradeLevel)
		inc(improvementTypes, rec.ImprovementType)
	}

	byGrade := counts(grades)
	slices.SortStableFunc(byGrade, func(a, b Count) int {
		return cmp.Compare(c.GradeRank(a.Label), c.GradeRank(b.Label))
	})

	return Summary{
		Generated:         time.Now(),
		Records:           len(records),
		ByUnit:            counts(units),
		ByResource:        counts(resources),
		ByContentType:     counts(contentTypes),
		ByGrade:           byGrade,
		ByImprovementType: counts(improvementTypes),
		Warnings:          warnings,
		Run:               run,
	}
}

func inc(m map[string]int, label string) {
	if label != "" {
		m[label]++
	}
}

// counts orders by count descending, then label.
func counts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for label, n := range m {
		out = append(out, Count{Label: label, Count: n})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return cmp.Compare(a.Label, b.Label)
	})
	return out
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	t.SetTitle(title)
	return t
}

// Render writes the summary as a series of tables.
func (s Summary) Render(w io.Writer) {
	fmt.Fprintf(w, "Errata extraction summary (%s)\n", s.Generated.Format(time.RFC3339))

	if r := s.Run; r != nil {
		t := newTable(w, "Run")
		t.AppendRow(table.Row{"Run ID", r.RunID})
		t.AppendRow(table.Row{"State", r.State})
		if !r.EndTime.IsZero() {
			t.AppendRow(table.Row{"Duration", r.EndTime.Sub(r.StartTime).Round(time.Millisecond)})
		}
		t.AppendRow(table.Row{"Pages", fmt.Sprintf("%d/%d succeeded", r.PagesSucceeded(), len(r.Pages))})
		t.AppendRow(table.Row{"Extracted", r.TotalExtracted})
		t.AppendRow(table.Row{"New records", r.NewRecords})
		t.AppendRow(table.Row{"Duplicates", r.Duplicates})
		if r.BackupPath != "" {
			t.AppendRow(table.Row{"Backup", r.BackupPath})
		}
		for _, u := range r.FailedURLs {
			t.AppendRow(table.Row{"Failed URL", u})
		}
		if len(r.ErrorsByType) > 0 {
			t.AppendRow(table.Row{"Errors", fmt.Sprintf("%v", r.ErrorsByType)})
		}
		t.Render()

		if len(r.Pages) > 0 {
			pages := newTable(w, "Pages")
			pages.AppendHeader(table.Row{"Page", "Sections", "Records", "Skipped", "Error"})
			for _, p := range r.Pages {
				errText := ""
				if p.Err != nil {
					errText = p.Err.Error()
				}
				pages.AppendRow(table.Row{cmp.Or(p.Title, p.URL), p.Sections, p.Records, p.Skipped, errText})
			}
			pages.Render()
		}
	}

	renderCounts(w, "Records by Grade", s.ByGrade)
	renderCounts(w, "Records by Unit", s.ByUnit)
	renderCounts(w, "Records by Resource", s.ByResource)
	renderCounts(w, "Records by Content Type", s.ByContentType)
	renderCounts(w, "Records by Improvement Type", s.ByImprovementType)

	if len(s.Warnings) > 0 {
		t := newTable(w, "Validation Warnings")
		for _, warning := range s.Warnings {
			t.AppendRow(table.Row{warning})
		}
		t.Render()
	}
}

func renderCounts(w io.Writer, title string, rows []Count) {
	if len(rows) == 0 {
		return
	}
	t := newTable(w, title)
	t.AppendHeader(table.Row{"Value", "Records"})
	total := 0
	for _, c := range rows {
		t.AppendRow(table.Row{c.Label, c.Count})
		total += c.Count
	}
	t.AppendFooter(table.Row{"Total", total})
	t.Render()
}

// WriteFile renders the summary to path, creating its directory.
func (s Summary) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create summary directory: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create summary file: %w", err)
	}
	s.Render(f)
	if err := f.Close(); err != nil {
		return fmt.Errorf("close summary file: %w", err)
	}
	return nil
}
