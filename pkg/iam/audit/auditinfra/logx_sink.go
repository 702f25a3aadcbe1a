package auditinfra

import (
	"context"

	"github.com/Abraxas-365/authcore/pkg/iam/audit"
	"github.com/Abraxas-365/authcore/pkg/logx"
)

// LogxSink writes audit events as structured log lines
type LogxSink struct{}

func NewLogxSink() *LogxSink {
	return &LogxSink{}
}

func (s *LogxSink) Write(ctx context.Context, evt audit.Event) error {
	fields := logx.Fields{
		"audit_event":     evt.Type,
		"actor_id":        evt.ActorID,
		"organization_id": evt.OrganizationID,
		"ip":              evt.IP,
		"timestamp":       evt.OccurredAt,
	}
	for k, v := range evt.Details {
		fields["detail_"+k] = v
	}

	entry := logx.WithFields(fields).WithContext(ctx)
	switch evt.Type {
	case audit.EventPotentialCSRF, audit.EventPKCEFailure, audit.EventUnauthorizedAccess, audit.EventAccountLocked:
		entry.Warn("Audit: " + string(evt.Type))
	default:
		entry.Info("Audit: " + string(evt.Type))
	}
	return nil
}
