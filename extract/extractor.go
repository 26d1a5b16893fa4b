package extract

import (
	"context"
	"log/slog"
	"time"

	"github.com/ImagineLearning/aia-improvements-viewer/classify"
	"github.com/ImagineLearning/aia-improvements-viewer/config"
	"github.com/ImagineLearning/aia-improvements-viewer/models"
	"github.com/ImagineLearning/aia-improvements-viewer/parser"
)

// minCells is the number of table cells an errata row carries:
// component, description and date.
const minCells = 3

// PageStats describes what Extract saw on one page.
type PageStats struct {
	URL        string
	Title      string
	GradeLevel string
	Sections   int
	Rows       int
	ShortRows  int
	BlankRows  int
	Invalid    int
	BadDates   int
	Records    int
	Failures   int
}

// Skipped counts rows that produced no record.
func (s PageStats) Skipped() int {
	return s.ShortRows + s.BlankRows + s.Invalid + s.Failures
}

// Extractor walks accordion sections and their table rows.
type Extractor struct {
	selectors   config.Selectors
	expandDelay time.Duration
	normalizer  *parser.Normalizer
	classifier  *classify.Classifier
}

// NewExtractor builds an Extractor from cfg's selectors and expand delay.
func NewExtractor(cfg *config.Config, n *parser.Normalizer, c *classify.Classifier) *Extractor {
	return &Extractor{
		selectors:   cfg.Selectors,
		expandDelay: cfg.Scraping.ExpandDelay.Std(),
		normalizer:  n,
		classifier:  c,
	}
}

// Extract returns the valid records on doc in section-then-row order.
// Section and row failures are logged and skipped; they never abort the page.
func (x *Extractor) Extract(ctx context.Context, doc Document) ([]models.ErrataRecord, PageStats) {
	stats := PageStats{URL: doc.URL(), Title: doc.Title()}
	stats.GradeLevel = x.classifier.Grade(stats.Title, stats.URL)
	logger := slog.With(slog.String("url", stats.URL))

	sections := x.findSections(doc, logger)
	stats.Sections = len(sections)
	logger.Info("found accordion sections",
		slog.Int("sections", len(sections)),
		slog.String("grade", stats.GradeLevel),
	)

	var records []models.ErrataRecord
	for i, section := range sections {
		if ctx.Err() != nil {
			logger.Warn("extraction interrupted", slog.Any("error", ctx.Err()))
			break
		}
		unit := x.expandSection(ctx, doc, section, logger)
		rows, err := section.Find(x.selectors.Rows)
		if err != nil {
			stats.Failures++
			logger.Error("find table rows",
				slog.Int("section", i),
				slog.String("unit", unit),
				slog.Any("error", err),
			)
			continue
		}
		logger.Debug("found table rows", slog.String("unit", unit), slog.Int("rows", len(rows)))

		for _, row := range rows {
			stats.Rows++
			rec, outcome, badDate := x.extractRow(row, unit, stats.GradeLevel, logger)
			if badDate {
				stats.BadDates++
			}
			switch outcome {
			case rowOK:
				records = append(records, rec)
			case rowShort:
				stats.ShortRows++
			case rowBlank:
				stats.BlankRows++
			case rowInvalid:
				stats.Invalid++
			case rowFailed:
				stats.Failures++
			}
		}
	}

	stats.Records = len(records)
	if len(records) == 0 {
		logger.Warn("no errata records extracted from page",
			slog.Int("sections", stats.Sections),
			slog.Int("rows", stats.Rows),
		)
	} else {
		logger.Info("extracted errata records",
			slog.Int("records", stats.Records),
			slog.Int("skipped", stats.Skipped()),
		)
	}
	return records, stats
}

func (x *Extractor) findSections(doc Document, logger *slog.Logger) []Element {
	candidates := append([]string{x.selectors.Container}, x.selectors.ContainerFallbacks...)
	for i, selector := range candidates {
		sections, err := doc.Find(selector)
		if err != nil {
			logger.Warn("find sections", slog.String("selector", selector), slog.Any("error", err))
			continue
		}
		if len(sections) == 0 {
			continue
		}
		if i > 0 {
			logger.Warn("primary section selector matched nothing, using fallback",
				slog.String("primary", x.selectors.Container),
				slog.String("fallback", selector),
			)
		}
		return sections
	}
	return nil
}

// expandSection returns the section's unit name, clicking its toggle first
// when the section is collapsed on an interactive page.
func (x *Extractor) expandSection(ctx context.Context, doc Document, section Element, logger *slog.Logger) string {
	buttons, err := section.Find(x.selectors.Button)
	if err != nil || len(buttons) == 0 {
		if err != nil {
			logger.Warn("could not extract unit name", slog.Any("error", err))
		}
		return ""
	}
	button := buttons[0]

	unit, err := button.Text()
	if err != nil {
		logger.Warn("could not extract unit name", slog.Any("error", err))
		unit = ""
	}
	unit = parser.CollapseWhitespace(unit)

	if !doc.Interactive() {
		return unit
	}
	expanded, ok, err := button.Attr(x.selectors.ExpandedAttr)
	if err != nil {
		logger.Warn("could not read section state", slog.String("unit", unit), slog.Any("error", err))
		return unit
	}
	if !ok || expanded != "false" {
		return unit
	}
	logger.Debug("expanding collapsed section", slog.String("unit", unit))
	if err := button.Click(ctx); err != nil {
		logger.Warn("could not expand section", slog.String("unit", unit), slog.Any("error", err))
		return unit
	}
	if err := sleep(ctx, x.expandDelay); err != nil {
		logger.Warn("expand wait interrupted", slog.Any("error", err))
	}
	return unit
}

type rowOutcome int

const (
	rowOK rowOutcome = iota
	rowShort
	rowBlank
	rowInvalid
	rowFailed
)

func (x *Extractor) extractRow(row Element, unit, grade string, logger *slog.Logger) (models.ErrataRecord, rowOutcome, bool) {
	cells, err := row.Find(x.selectors.Cell)
	if err != nil {
		logger.Warn("failed to extract row data", slog.Any("error", err))
		return models.ErrataRecord{}, rowFailed, false
	}
	if len(cells) < minCells {
		logger.Debug("skipping short row", slog.Int("cells", len(cells)))
		return models.ErrataRecord{}, rowShort, false
	}

	var texts [minCells]string
	blank := true
	for i := 0; i < minCells; i++ {
		text, err := cells[i].Text()
		if err != nil {
			logger.Warn("failed to extract row data", slog.Int("cell", i), slog.Any("error", err))
			return models.ErrataRecord{}, rowFailed, false
		}
		texts[i] = parser.CollapseWhitespace(text)
		if texts[i] != "" {
			blank = false
		}
	}
	if blank {
		return models.ErrataRecord{}, rowBlank, false
	}

	component := x.normalizer.ParseComponent(texts[0])
	date, ok := x.normalizer.NormalizeDate(texts[2])
	if !ok {
		logger.Warn("could not normalize date", slog.String("date", texts[2]), slog.String("unit", unit))
	}

	rec := x.normalizer.CleanRecord(models.ErrataRecord{
		GradeLevel:             grade,
		Unit:                   unit,
		Resource:               component.Resource,
		Location:               component.Location,
		PageNumbers:            component.PageNumbers,
		ImprovementDescription: texts[1],
		DateUpdated:            date,
	})
	if err := parser.ValidateRecord(rec); err != nil {
		logger.Warn("skipping invalid errata record", slog.Any("error", err))
		return models.ErrataRecord{}, rowInvalid, !ok
	}
	return rec, rowOK, !ok
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
