package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"identity-service/internal/model"
)

type AuditRepository struct {
	client *Client
}

func NewAuditRepository(client *Client) *AuditRepository {
	return &AuditRepository{client: client}
}

func (r *AuditRepository) CreateConsentProof(ctx context.Context, proof *model.ConsentProof) error {
	query := `
		INSERT INTO consent_proofs (id, user_id, identifier_id, purpose, policy_version, ip_hash, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.client.conn(ctx).Exec(ctx, query,
		proof.ID, proof.UserID, proof.IdentifierID, proof.Purpose,
		proof.PolicyVersion, proof.IPHash, proof.UserAgent, proof.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create consent proof: %w", err)
	}
	return nil
}

// UpsertAuditScope re-activates a previously revoked scope instead of
// inserting a duplicate row for the same (user, identifier) pair.
func (r *AuditRepository) UpsertAuditScope(ctx context.Context, scope *model.AuditScope) error {
	query := `
		INSERT INTO audit_scopes (id, user_id, identifier_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, identifier_id)
		DO UPDATE SET status = $4, revoked_at = NULL, updated_at = $5`

	_, err := r.client.conn(ctx).Exec(ctx, query,
		scope.ID, scope.UserID, scope.IdentifierID, scope.Status, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert audit scope: %w", err)
	}
	return nil
}

func (r *AuditRepository) CreateAccessLog(ctx context.Context, entry *model.AccessLog) error {
	var metadata []byte
	if entry.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(entry.Metadata); err != nil {
			return fmt.Errorf("failed to encode access log metadata: %w", err)
		}
	}

	query := `
		INSERT INTO access_logs (id, user_id, event_type, resource, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := r.client.conn(ctx).Exec(ctx, query,
		entry.ID, entry.UserID, entry.EventType, entry.Resource, metadata, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create access log: %w", err)
	}
	return nil
}
