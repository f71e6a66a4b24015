package reducer

import (
	"github.com/kimhsiao/crmorbit/backend/internal/document"
	"github.com/kimhsiao/crmorbit/backend/internal/events"
)

func auditStarted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Audits[id]; ok {
		return nil, duplicate("audit", id)
	}
	var a document.Audit
	if err := mergePayload(e, &a); err != nil {
		return nil, err
	}
	if blank(a.Title) {
		return nil, required("audit", id, "title")
	}
	if _, ok := doc.Organizations[a.OrganizationID]; !ok {
		return nil, notFound("organization", a.OrganizationID)
	}
	if a.StartedAt == "" {
		a.StartedAt = e.Timestamp
	}
	a.ID, a.Status, a.Score, a.CompletedAt = id, document.AuditInProgress, nil, ""

	next := doc.Clone()
	next.Audits = put(doc.Audits, id, a)
	return next, nil
}

type auditCompletion struct {
	Score       *int   `json:"score"`
	CompletedAt string `json:"completedAt"`
}

// auditCompleted requires a score between 0 and 100.
func auditCompleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	a, ok := doc.Audits[id]
	if !ok {
		return nil, notFound("audit", id)
	}
	if a.Status == document.AuditComplete {
		return nil, invariant("audit %s is already completed", id)
	}
	var p auditCompletion
	if err := mergePayload(e, &p); err != nil {
		return nil, err
	}
	if p.Score == nil {
		return nil, invariant("audit %s: completion requires a score", id)
	}
	if *p.Score < 0 || *p.Score > 100 {
		return nil, invariant("audit %s: score %d out of range", id, *p.Score)
	}
	score := *p.Score
	a.Status, a.Score = document.AuditComplete, &score
	a.CompletedAt = p.CompletedAt
	if a.CompletedAt == "" {
		a.CompletedAt = e.Timestamp
	}

	next := doc.Clone()
	next.Audits = put(doc.Audits, id, a)
	return next, nil
}

func auditDeleted(doc *document.Document, e events.Event) (*document.Document, error) {
	id, err := targetID(e)
	if err != nil {
		return nil, err
	}
	if _, ok := doc.Audits[id]; !ok {
		return nil, notFound("audit", id)
	}
	next := doc.Clone()
	next.Audits = remove(doc.Audits, id)
	next.Links = withoutLinks(doc.Links, document.EntityAudit, id)
	return next, nil
}
