package pipeline

import "github.com/ImagineLearning/aia-improvements-viewer/models"

// Deduplicate returns the records of incoming whose key is absent from
// existing, in their original order. Neither input is modified. Records
// that repeat a key within incoming are all kept.
func Deduplicate(incoming, existing []models.ErrataRecord) []models.ErrataRecord {
	seen := make(map[models.RecordKey]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec.Key()] = struct{}{}
	}

	out := make([]models.ErrataRecord, 0, len(incoming))
	for _, rec := range incoming {
		if _, ok := seen[rec.Key()]; ok {
			continue
		}
		out = append(out, rec)
	}
	return out
}
