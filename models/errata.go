// Package models defines data structures for the errata pipeline.
package models

import "time"

// CSV column names in canonical order.
const (
	ColDateExtracted          = "Date_Extracted"
	ColGradeLevel             = "Grade_Level"
	ColUnit                   = "Unit"
	ColResource               = "Resource"
	ColLocation               = "Location"
	ColInstructionalMoment    = "Instructional_Moment"
	ColPageNumbers            = "Page_Numbers"
	ColImprovementDescription = "Improvement_Description"
	ColImprovementType        = "Improvement_Type"
	ColDateUpdated            = "Date_Updated"
)

// Columns returns the fixed output column order.
func Columns() []string {
	return []string{
		ColDateExtracted,
		ColGradeLevel,
		ColUnit,
		ColResource,
		ColLocation,
		ColInstructionalMoment,
		ColPageNumbers,
		ColImprovementDescription,
		ColImprovementType,
		ColDateUpdated,
	}
}

// ErrataRecord is one correction row extracted from an errata page.
type ErrataRecord struct {
	DateExtracted          string `csv:"Date_Extracted" json:"date_extracted"`
	GradeLevel             string `csv:"Grade_Level" json:"grade_level"`
	Unit                   string `csv:"Unit" json:"unit"`
	Resource               string `csv:"Resource" json:"resource"`
	Location               string `csv:"Location" json:"location"`
	InstructionalMoment    string `csv:"Instructional_Moment" json:"instructional_moment"`
	PageNumbers            string `csv:"Page_Numbers" json:"page_numbers"`
	ImprovementDescription string `csv:"Improvement_Description" json:"improvement_description"`
	ImprovementType        string `csv:"Improvement_Type" json:"improvement_type"`
	DateUpdated            string `csv:"Date_Updated" json:"date_updated"`
}

// RecordKey identifies a record for deduplication. Comparison is exact.
type RecordKey struct {
	Unit                string
	Resource            string
	Location            string
	InstructionalMoment string
	PageNumbers         string
}

// Key returns the dedup key of r.
func (r ErrataRecord) Key() RecordKey {
	return RecordKey{
		Unit:                r.Unit,
		Resource:            r.Resource,
		Location:            r.Location,
		InstructionalMoment: r.InstructionalMoment,
		PageNumbers:         r.PageNumbers,
	}
}

// Values returns the field values in Columns order.
func (r ErrataRecord) Values() []string {
	return []string{
		r.DateExtracted,
		r.GradeLevel,
		r.Unit,
		r.Resource,
		r.Location,
		r.InstructionalMoment,
		r.PageNumbers,
		r.ImprovementDescription,
		r.ImprovementType,
		r.DateUpdated,
	}
}

// Field returns the value stored under a column name, or "" for unknown columns.
func (r ErrataRecord) Field(column string) string {
	switch column {
	case ColDateExtracted:
		return r.DateExtracted
	case ColGradeLevel:
		return r.GradeLevel
	case ColUnit:
		return r.Unit
	case ColResource:
		return r.Resource
	case ColLocation:
		return r.Location
	case ColInstructionalMoment:
		return r.InstructionalMoment
	case ColPageNumbers:
		return r.PageNumbers
	case ColImprovementDescription:
		return r.ImprovementDescription
	case ColImprovementType:
		return r.ImprovementType
	case ColDateUpdated:
		return r.DateUpdated
	}
	return ""
}

// SetField assigns value to the named column. Unknown columns are ignored
// and reported as false.
func (r *ErrataRecord) SetField(column, value string) bool {
	switch column {
	case ColDateExtracted:
		r.DateExtracted = value
	case ColGradeLevel:
		r.GradeLevel = value
	case ColUnit:
		r.Unit = value
	case ColResource:
		r.Resource = value
	case ColLocation:
		r.Location = value
	case ColInstructionalMoment:
		r.InstructionalMoment = value
	case ColPageNumbers:
		r.PageNumbers = value
	case ColImprovementDescription:
		r.ImprovementDescription = value
	case ColImprovementType:
		r.ImprovementType = value
	case ColDateUpdated:
		r.DateUpdated = value
	default:
		return false
	}
	return true
}

// PageResult captures what one errata page produced.
type PageResult struct {
	URL       string
	Title     string
	Records   int
	Sections  int
	Skipped   int
	Invalid   int
	Err       error
	FetchedAt time.Time
}

// RunResult holds the overall result of an extraction run.
type RunResult struct {
	RunID          string
	StartTime      time.Time
	EndTime        time.Time
	State          string
	Pages          []PageResult
	FailedURLs     []string
	ErrorsByType   map[string]int
	TotalExtracted int
	NewRecords     int
	Duplicates     int
	Warnings       []string
	BackupPath     string
	SummaryPath    string
}

// PagesSucceeded counts pages that were fetched and extracted without error.
func (r *RunResult) PagesSucceeded() int {
	n := 0
	for _, p := range r.Pages {
		if p.Err == nil {
			n++
		}
	}
	return n
}
