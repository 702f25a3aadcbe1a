package auditinfra

import (
	"context"
	"encoding/json"

	"github.com/Abraxas-365/authcore/pkg/errx"
	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// PostgresSink appends events to audit_events
type PostgresSink struct {
	db *sqlx.DB
}

func NewPostgresSink(db *sqlx.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Write(ctx context.Context, evt audit.Event) error {
	details, err := json.Marshal(evt.Details)
	if err != nil {
		return errx.Wrap(err, "failed to encode audit details", errx.TypeInternal)
	}

	query := `
		INSERT INTO audit_events (id, event_type, actor_id, organization_id, ip, details, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), NULLIF($5, ''), $6, $7)`

	_, err = s.db.ExecContext(ctx, query,
		uuid.NewString(),
		string(evt.Type),
		evt.ActorID.String(),
		evt.OrganizationID.String(),
		evt.IP,
		details,
		evt.OccurredAt,
	)
	if err != nil {
		return errx.Wrap(err, "failed to insert audit event", errx.TypeInternal).
			WithDetail("event_type", evt.Type)
	}
	return nil
}
