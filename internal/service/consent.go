package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"identity-service/internal/crypto"
	"identity-service/internal/model"
	"identity-service/internal/repository"
)

// writeConsentRecords appends the consent proof and re-activates the audit
// scope for a freshly verified identifier. Runs inside the caller's
// transaction.
func writeConsentRecords(ctx context.Context, audits repository.AuditRepository, hasher *crypto.Hasher, userID, identifierID uuid.UUID, client ClientInfo, now time.Time) error {
	proof := &model.ConsentProof{
		ID:            uuid.New(),
		UserID:        userID,
		IdentifierID:  identifierID,
		Purpose:       ConsentPurpose,
		PolicyVersion: ConsentPolicyVersion,
		UserAgent:     truncateUserAgent(client.UserAgent),
		CreatedAt:     now,
	}
	if client.IP != "" {
		ipHash := hasher.HashIP(client.IP)
		proof.IPHash = &ipHash
	}
	if err := audits.CreateConsentProof(ctx, proof); err != nil {
		return fmt.Errorf("failed to write consent proof: %w", err)
	}

	scope := &model.AuditScope{
		ID:           uuid.New(),
		UserID:       userID,
		IdentifierID: identifierID,
		Status:       model.AuditScopeActive,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := audits.UpsertAuditScope(ctx, scope); err != nil {
		return fmt.Errorf("failed to upsert audit scope: %w", err)
	}
	return nil
}
