package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditEntry describes one recorded action on a billing entity.
type AuditEntry struct {
	ActorID   int64
	Action    string
	Entity    string
	EntityRef string
	Detail    map[string]any
	At        time.Time
}

// AuditTrail writes entries into audit_trail.
type AuditTrail struct {
	pool *pgxpool.Pool
}

// NewAuditTrail returns a new AuditTrail.
func NewAuditTrail(pool *pgxpool.Pool) *AuditTrail {
	return &AuditTrail{pool: pool}
}

// Record persists the entry. ActorID zero means the action ran without a
// request identity, typically a background job.
func (t *AuditTrail) Record(ctx context.Context, entry AuditEntry) error {
	if t == nil {
		return errors.New("audit trail not initialised")
	}
	if entry.Action == "" || entry.Entity == "" || entry.EntityRef == "" {
		return errors.New("audit entry requires action/entity/entity_ref")
	}
	detailJSON, err := json.Marshal(entry.Detail)
	if err != nil {
		return err
	}
	at := entry.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err = t.pool.Exec(ctx,
		`INSERT INTO audit_trail (actor_id, action, entity, entity_ref, detail, recorded_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ActorID, entry.Action, entry.Entity, entry.EntityRef, detailJSON, at)
	return err
}
