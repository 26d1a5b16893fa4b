package pipeline

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ImagineLearning/aia-improvements-viewer/models"
	"github.com/ImagineLearning/aia-improvements-viewer/parser"
)

// maxDescription is the description length above which a record is flagged.
const maxDescription = 500

// Warning is an advisory finding about one record. Warnings never block a write.
type Warning struct {
	// Record is the 1-based position of the record in the validated batch.
	Record  int
	Field   string
	Message string
}

func (w Warning) String() string {
	return fmt.Sprintf("Record %d: %s", w.Record, w.Message)
}

// Validate checks records for missing unit or resource, a Date_Updated that
// is not YYYY-MM-DD, and overly long descriptions.
func Validate(records []models.ErrataRecord) []Warning {
	var warnings []Warning
	for i, rec := range records {
		n := i + 1
		if strings.TrimSpace(rec.Unit) == "" {
			warnings = append(warnings, Warning{Record: n, Field: models.ColUnit, Message: "Missing Unit"})
		}
		if strings.TrimSpace(rec.Resource) == "" {
			warnings = append(warnings, Warning{Record: n, Field: models.ColResource, Message: "Missing Resource"})
		}
		if rec.DateUpdated != "" {
			if _, err := time.Parse(parser.CanonicalDate, rec.DateUpdated); err != nil {
				warnings = append(warnings, Warning{
					Record:  n,
					Field:   models.ColDateUpdated,
					Message: fmt.Sprintf("Invalid Date_Updated format %q (should be YYYY-MM-DD)", rec.DateUpdated),
				})
			}
		}
		if utf8.RuneCountInString(rec.ImprovementDescription) > maxDescription {
			warnings = append(warnings, Warning{
				Record:  n,
				Field:   models.ColImprovementDescription,
				Message: fmt.Sprintf("Very long Improvement_Description (>%d chars)", maxDescription),
			})
		}
	}
	return warnings
}
