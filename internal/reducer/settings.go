package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	apperrors "github.com/kimhsiao/crmorbit/backend/internal/errors"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

var backupIntervals = map[string]bool{"manual": true, "daily": true, "weekly": true, "monthly": true}

// settingsUpdated merges the payload section by section.
func settingsUpdated(doc *document.Document, e events.Event) (*document.Document, error) {
	s := document.Normalize(&document.Document{Settings: doc.Settings}).Settings
	if err := mergePayload(e, &s); err != nil {
		return nil, err
	}
	if s.Backup != nil {
		if !backupIntervals[s.Backup.Interval] {
			return nil, apperrors.Newf(apperrors.ErrValidation, "settings: unknown backup interval %q", s.Backup.Interval)
		}
		if s.Backup.RetentionCount < 1 {
			return nil, apperrors.New(apperrors.ErrValidation, "settings: retentionCount must be at least 1")
		}
	}
	s.UpdatedAt = e.Timestamp

	next := doc.Clone()
	next.Settings = s
	return next, nil
}
