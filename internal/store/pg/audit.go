package pg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tahplatform/accesshub/internal/audit"
)

func (s *Store) Append(ctx context.Context, rec *audit.Record) error {
	changes := []byte("{}")
	if len(rec.Changes) > 0 {
		bytes, err := json.Marshal(rec.Changes)
		if err != nil {
			return fmt.Errorf("marshal changes: %w", err)
		}
		changes = bytes
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, tenant_id, actor_user_id, action, entity_type,
		                       entity_id, entity_ref, changes, reason, created_at)
		values ($1, nullif($2,''), nullif($3,''), $4, $5, nullif($6,''), $7, $8, nullif($9,''), $10)
	`, rec.ID, rec.TenantID, rec.ActorUserID, rec.Action, rec.EntityType,
		rec.EntityID, rec.EntityRef, changes, rec.Reason, rec.CreatedAt)
	return err
}
