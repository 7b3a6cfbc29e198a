package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tahplatform/accesshub/internal/ids"
)

// Actions recorded in the audit trail.
const (
	ActionCreate   = "CREATE"
	ActionUpdate   = "UPDATE"
	ActionDelete   = "DELETE"
	ActionEnable   = "ENABLE"
	ActionDisable  = "DISABLE"
	ActionAssign   = "ASSIGN"
	ActionUnassign = "UNASSIGN"
	ActionSync     = "SYNC"
	ActionLogin    = "LOGIN"
	ActionLogout   = "LOGOUT"
)

// Record is a persisted audit entry.
type Record struct {
	ID          string
	TenantID    string
	ActorUserID string
	Action      string
	EntityType  string
	EntityID    string
	EntityRef   string
	Changes     map[string]any
	Reason      string
	CreatedAt   time.Time
}

// Event is what callers emit; actor and tenant come from the context.
type Event struct {
	Action     string
	EntityType string
	EntityID   string
	EntityRef  string
	Changes    map[string]any
	Reason     string
}

// Store persists audit records.
type Store interface {
	Append(ctx context.Context, rec *Record) error
}

// Recorder writes audit events. Failures are logged and swallowed so a
// broken audit sink never fails the mutation being audited.
type Recorder struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

// NewRecorder builds a Recorder. A nil store degrades to log-only mode.
func NewRecorder(store Store, log zerolog.Logger) *Recorder {
	return &Recorder{store: store, log: log, now: time.Now}
}

// Record emits one audit event, best effort.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if r == nil {
		return
	}
	actor, tenant := ActorFromContext(ctx)
	rec := &Record{
		ID:          ids.New(),
		TenantID:    tenant,
		ActorUserID: actor,
		Action:      ev.Action,
		EntityType:  ev.EntityType,
		EntityID:    ev.EntityID,
		EntityRef:   ev.EntityRef,
		Changes:     ev.Changes,
		Reason:      ev.Reason,
		CreatedAt:   r.now().UTC(),
	}
	if r.store == nil {
		r.log.Info().
			Str("action", rec.Action).
			Str("entity_type", rec.EntityType).
			Str("entity_id", rec.EntityID).
			Str("actor", rec.ActorUserID).
			Msg("audit")
		return
	}
	if err := r.store.Append(ctx, rec); err != nil {
		r.log.Error().Err(err).
			Str("action", rec.Action).
			Str("entity_type", rec.EntityType).
			Str("entity_id", rec.EntityID).
			Msg("audit append failed")
	}
}

type ctxKey int

const actorKey ctxKey = iota

type actor struct {
	userID   string
	tenantID string
}

// ContextWithActor stamps the acting user and tenant onto the context.
// The HTTP layer sets this after authentication.
func ContextWithActor(ctx context.Context, userID, tenantID string) context.Context {
	return context.WithValue(ctx, actorKey, actor{userID: userID, tenantID: tenantID})
}

// ActorFromContext returns the acting user and tenant, empty when unset.
func ActorFromContext(ctx context.Context) (userID, tenantID string) {
	if a, ok := ctx.Value(actorKey).(actor); ok {
		return a.userID, a.tenantID
	}
	return "", ""
}
