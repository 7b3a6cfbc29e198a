package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type stubStore struct {
	records []*Record
	err     error
}

func (s *stubStore) Append(_ context.Context, rec *Record) error {
	if s.err != nil {
		return s.err
	}
	s.records = append(s.records, rec)
	return nil
}

func TestRecordCarriesActorFromContext(t *testing.T) {
	store := &stubStore{}
	rec := NewRecorder(store, zerolog.Nop())

	ctx := ContextWithActor(context.Background(), "user-1", "tenant-1")
	rec.Record(ctx, Event{Action: ActionCreate, EntityType: "role", EntityID: "role-1"})

	if len(store.records) != 1 {
		t.Fatalf("records = %d, want 1", len(store.records))
	}
	got := store.records[0]
	if got.ActorUserID != "user-1" || got.TenantID != "tenant-1" {
		t.Errorf("actor = (%q,%q), want (user-1,tenant-1)", got.ActorUserID, got.TenantID)
	}
	if got.ID == "" || got.CreatedAt.IsZero() {
		t.Error("expected populated id and timestamp")
	}
}

func TestRecordSwallowsStoreFailure(t *testing.T) {
	store := &stubStore{err: errors.New("db down")}
	rec := NewRecorder(store, zerolog.Nop())

	// Must not panic or propagate.
	rec.Record(context.Background(), Event{Action: ActionSync, EntityType: "application"})
}

func TestRecordNilStoreLogsOnly(t *testing.T) {
	rec := NewRecorder(nil, zerolog.Nop())
	rec.Record(context.Background(), Event{Action: ActionLogin, EntityType: "user"})
}
