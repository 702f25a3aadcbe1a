package audit

import (
	"context"
	"time"

	"github.com/Abraxas-365/authcore/pkg/kernel"
	"github.com/Abraxas-365/authcore/pkg/logx"
)

// EventType names a security relevant occurrence
type EventType string

const (
	EventUserLogin            EventType = "USER_LOGIN"
	EventUserLogout           EventType = "USER_LOGOUT"
	EventLoginFailed          EventType = "LOGIN_FAILED"
	EventAccountLocked        EventType = "ACCOUNT_LOCKED"
	EventSessionTerminated    EventType = "SESSION_TERMINATED"
	EventSessionLimitEnforced EventType = "SESSION_LIMIT_ENFORCED"

	EventOAuthAuthorizationFailed EventType = "OAUTH2_AUTHORIZATION_FAILED"
	EventPotentialCSRF            EventType = "POTENTIAL_CSRF_ATTEMPT"
	EventPKCEFailure              EventType = "PKCE_VALIDATION_FAILURE"

	EventAccessDenied       EventType = "ACCESS_DENIED"
	EventUnauthorizedAccess EventType = "UNAUTHORIZED_ACCESS_ATTEMPT"

	EventRoleCreated  EventType = "ROLE_CREATED"
	EventRoleModified EventType = "ROLE_MODIFIED"
	EventRoleDeleted  EventType = "ROLE_DELETED"
	EventRoleAssigned EventType = "ROLE_ASSIGNED"
	EventRoleRemoved  EventType = "ROLE_REMOVED"
)

// Event is one audit record. ActorID may be empty for anonymous attempts.
type Event struct {
	Type           EventType             `json:"event_type" db:"event_type"`
	ActorID        kernel.UserID         `json:"actor_id,omitempty" db:"actor_id"`
	OrganizationID kernel.OrganizationID `json:"organization_id,omitempty" db:"organization_id"`
	IP             string                `json:"ip,omitempty" db:"ip"`
	Details        map[string]any        `json:"details,omitempty" db:"-"`
	OccurredAt     time.Time             `json:"occurred_at" db:"occurred_at"`
}

// Sink persists or forwards events
type Sink interface {
	Write(ctx context.Context, evt Event) error
}

// Recorder is what services depend on. Recording never fails the caller.
type Recorder interface {
	Record(ctx context.Context, evt Event)
}

// SinkRecorder adapts a Sink into a Recorder, stamping the time and logging
// sink failures instead of returning them.
type SinkRecorder struct {
	sink Sink
	now  func() time.Time
}

func NewRecorder(sink Sink) *SinkRecorder {
	return &SinkRecorder{sink: sink, now: time.Now}
}

func (r *SinkRecorder) Record(ctx context.Context, evt Event) {
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = r.now().UTC()
	}
	if err := r.sink.Write(ctx, evt); err != nil {
		logx.WithContext(ctx).WithFields(logx.Fields{
			"audit_event": evt.Type,
			"actor_id":    evt.ActorID,
		}).WithError(err).Error("Audit sink write failed")
	}
}

// Nop discards events
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
