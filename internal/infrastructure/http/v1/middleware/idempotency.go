package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"verifactu/internal/core/apperror"
	appctx "verifactu/internal/core/context"
	"verifactu/internal/infrastructure/storage/postgres"
	"verifactu/pkg/logger"
)

const HeaderIdempotencyKey = "X-Idempotency-Key"

const (
	maxIdempotencyKeyLength = 255
	maxIdempotencyBodyBytes = 1 << 20 // 1 MiB
)

// IdempotencyStore persists idempotency keys. Satisfied by
// *postgres.IdempotencyStore.
type IdempotencyStore interface {
	AcquireKey(ctx context.Context, key, actorID, operation, requestHash string) (*postgres.IdempotencyReplay, error)
	CompleteKey(ctx context.Context, key, actorID string, statusCode int, contentType string, body []byte) error
	FailKey(ctx context.Context, key, actorID string, statusCode int, contentType string, body []byte) error
	ReleaseKey(ctx context.Context, key, actorID string) error
}

// capturingWriter keeps a copy of the response body for replay.
type capturingWriter struct {
	gin.ResponseWriter
	body bytes.Buffer
}

func (w *capturingWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *capturingWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// Idempotency makes POST and PUT requests carrying X-Idempotency-Key safe to
// retry: the first response is stored and replayed for the same key.
// Must run outside ErrorHandler so it sees the rendered error responses.
func Idempotency(store IdempotencyStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method != http.MethodPost && c.Request.Method != http.MethodPut {
			c.Next()
			return
		}

		key := c.GetHeader(HeaderIdempotencyKey)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxIdempotencyKeyLength {
			WriteError(c, apperror.NewFieldValidation(HeaderIdempotencyKey, "idempotency key is too long").
				WithDetail("max_length", maxIdempotencyKeyLength))
			return
		}

		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxIdempotencyBodyBytes+1))
		if err != nil {
			WriteError(c, apperror.NewValidation("cannot read request body"))
			return
		}
		if len(body) > maxIdempotencyBodyBytes {
			appErr := apperror.NewValidation("request body too large for idempotency")
			appErr.HTTPStatus = http.StatusRequestEntityTooLarge
			WriteError(c, appErr.WithDetail("max_bytes", maxIdempotencyBodyBytes))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))
		hash := sha256.Sum256(body)
		requestHash := hex.EncodeToString(hash[:])

		ctx := c.Request.Context()
		actorID := appctx.GetActorID(ctx)
		operation := c.Request.Method + " " + c.Request.URL.Path

		replay, err := store.AcquireKey(ctx, key, actorID, operation, requestHash)
		if err != nil {
			if !apperror.IsAppError(err) {
				err = apperror.NewPersistence(err).WithDetail("component", "idempotency")
			}
			WriteError(c, err)
			return
		}
		if replay != nil {
			c.Header("Idempotent-Replayed", "true")
			c.Data(replay.StatusCode, replay.ContentType, replay.Body)
			c.Abort()
			return
		}

		w := &capturingWriter{ResponseWriter: c.Writer}
		c.Writer = w

		c.Next()

		// The response is already sent; record it even if the client left.
		finishCtx := context.WithoutCancel(ctx)
		status := w.Status()
		contentType := w.Header().Get("Content-Type")
		switch {
		case status >= http.StatusInternalServerError:
			err = store.ReleaseKey(finishCtx, key, actorID)
		case status >= http.StatusBadRequest:
			err = store.FailKey(finishCtx, key, actorID, status, contentType, w.body.Bytes())
		default:
			err = store.CompleteKey(finishCtx, key, actorID, status, contentType, w.body.Bytes())
		}
		if err != nil {
			logger.Warn(ctx, "failed to record idempotent response", "key", key, "status", status, "error", err)
		}
	}
}
