package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"verifactu/internal/core/apperror"
)

// IdempotencyStatus represents the state of an idempotent request.
type IdempotencyStatus string

const (
	IdempotencyStatusPending IdempotencyStatus = "pending"
	IdempotencyStatusSuccess IdempotencyStatus = "success"
	IdempotencyStatusFailed  IdempotencyStatus = "failed"
)

// staleAfter is how long a pending key may stay unfinished before another
// request with the same key is allowed to take it over.
const staleAfter = time.Minute

// IdempotencyReplay is the stored HTTP response of a finished request.
type IdempotencyReplay struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// IdempotencyStore keeps one row per (actor, X-Idempotency-Key) so a retried
// issuance or cancellation replays the first response instead of numbering
// a second document.
type IdempotencyStore struct {
	txManager *TxManager
	ttl       time.Duration
}

// NewIdempotencyStore creates a new idempotency store.
func NewIdempotencyStore(txManager *TxManager, ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{
		txManager: txManager,
		ttl:       ttl,
	}
}

// AcquireKey claims key for actorID.
// Returns:
//   - (nil, nil) when the caller owns the key and must run the request
//   - (replay, nil) when the request already finished
//   - (nil, error) when the key is in flight or was used for another request
func (s *IdempotencyStore) AcquireKey(ctx context.Context, key, actorID, operation, requestHash string) (*IdempotencyReplay, error) {
	now := time.Now().UTC()

	var (
		inserted    bool
		storedOp    string
		storedHash  string
		status      IdempotencyStatus
		response    []byte
		statusCode  *int
		contentType *string
		updatedAt   time.Time
	)
	// xmax is zero only for a row this statement inserted.
	err := s.txManager.GetQuerier(ctx).QueryRow(ctx, `
		INSERT INTO sys_idempotency (idempotency_key, user_id, operation, status, request_hash, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
		ON CONFLICT (user_id, idempotency_key) DO UPDATE SET
			expires_at = GREATEST(sys_idempotency.expires_at, EXCLUDED.expires_at)
		RETURNING (xmax = 0), operation, request_hash, status, response, response_status, response_content_type, updated_at
	`, key, actorID, operation, IdempotencyStatusPending, requestHash, now, now.Add(s.ttl)).Scan(
		&inserted, &storedOp, &storedHash, &status, &response, &statusCode, &contentType, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire idempotency key: %w", err)
	}
	if inserted {
		return nil, nil
	}

	if storedOp != operation || storedHash != requestHash {
		return nil, apperror.NewIdempotencyMismatch(key).
			WithDetail("operation", operation)
	}

	switch status {
	case IdempotencyStatusSuccess, IdempotencyStatusFailed:
		replay := &IdempotencyReplay{
			StatusCode:  http.StatusOK,
			ContentType: "application/json",
			Body:        response,
		}
		if statusCode != nil {
			replay.StatusCode = *statusCode
		}
		if contentType != nil && *contentType != "" {
			replay.ContentType = *contentType
		}
		return replay, nil
	}

	if now.Sub(updatedAt) <= staleAfter {
		return nil, apperror.NewIdempotencyConflict(key)
	}

	// The previous holder crashed; take the key over.
	tag, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_idempotency
		SET updated_at = $1
		WHERE user_id = $2 AND idempotency_key = $3 AND status = $4 AND updated_at = $5
	`, now, actorID, key, IdempotencyStatusPending, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperror.NewIdempotencyConflict(key)
	}
	return nil, nil
}

// CompleteKey stores the response of a successful request.
func (s *IdempotencyStore) CompleteKey(ctx context.Context, key, actorID string, statusCode int, contentType string, body []byte) error {
	return s.finish(ctx, IdempotencyStatusSuccess, key, actorID, statusCode, contentType, body)
}

// FailKey stores the response of a request that failed with a final error.
func (s *IdempotencyStore) FailKey(ctx context.Context, key, actorID string, statusCode int, contentType string, body []byte) error {
	return s.finish(ctx, IdempotencyStatusFailed, key, actorID, statusCode, contentType, body)
}

// ReleaseKey forgets a pending key so the client can retry, used when the
// request failed with a retryable error.
func (s *IdempotencyStore) ReleaseKey(ctx context.Context, key, actorID string) error {
	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_idempotency
		WHERE user_id = $1 AND idempotency_key = $2 AND status = $3
	`, actorID, key, IdempotencyStatusPending)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

func (s *IdempotencyStore) finish(ctx context.Context, status IdempotencyStatus, key, actorID string, statusCode int, contentType string, body []byte) error {
	if body != nil && !json.Valid(body) {
		body, _ = json.Marshal(map[string]string{"error": "response body was not JSON"})
	}

	_, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		UPDATE sys_idempotency
		SET status = $1,
		    response = $2,
		    response_status = $3,
		    response_content_type = $4,
		    updated_at = $5
		WHERE user_id = $6 AND idempotency_key = $7
	`, status, body, statusCode, contentType, time.Now().UTC(), actorID, key)
	if err != nil {
		return fmt.Errorf("finish idempotency key: %w", err)
	}
	return nil
}

// CleanupExpired removes expired idempotency records.
func (s *IdempotencyStore) CleanupExpired(ctx context.Context) (int64, error) {
	result, err := s.txManager.GetQuerier(ctx).Exec(ctx, `
		DELETE FROM sys_idempotency WHERE expires_at < $1
	`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return result.RowsAffected(), nil
}
