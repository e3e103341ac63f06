package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	apperrors "github.com/phone-pay/internal/errors"
	"github.com/phone-pay/internal/logging"
)

const (
	// IdempotencyKeyHeader names the client supplied key for a POST
	IdempotencyKeyHeader = "Idempotency-Key"
	// IdempotentReplayHeader is set on responses served from a stored result
	IdempotentReplayHeader = "Idempotent-Replayed"

	ErrCodeIdempotencyInProgress = "IDEMPOTENCY_IN_PROGRESS"
	ErrCodeIdempotencyMismatch   = "IDEMPOTENCY_KEY_REUSED"

	idempotencyPrefix  = "idempotency:"
	inFlightMarker     = "in-flight"
	maxIdempotencyKey  = 255
	maxIdempotentBody  = 1 << 20
	defaultIdempotency = 24 * time.Hour
)

// IdempotencyStore keeps request outcomes; RedisCache implements it
type IdempotencyStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// storedResponse is the outcome kept for one idempotency key
type storedResponse struct {
	Fingerprint string `json:"fingerprint"`
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// captureWriter passes a response through while keeping a copy
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (c *captureWriter) WriteHeader(code int) {
	if c.status == 0 {
		c.status = code
	}
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(b []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	c.body.Write(b)
	return c.ResponseWriter.Write(b)
}

// IdempotencyMiddleware makes POST requests carrying an Idempotency-Key safe
// to retry. The first completed response for a key is stored for ttl and
// replayed for later requests with the same key and body. Server errors are
// not stored so the client may retry them.
func IdempotencyMiddleware(store IdempotencyStore, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl <= 0 {
		ttl = defaultIdempotency
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(IdempotencyKeyHeader)
			if r.Method != http.MethodPost || key == "" {
				next.ServeHTTP(w, r)
				return
			}
			if len(key) > maxIdempotencyKey {
				respondServiceError(w, r, apperrors.NewInvalidParameterError(IdempotencyKeyHeader, "too long"))
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxIdempotentBody))
			if err != nil {
				respondInvalidBody(w, err)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			fingerprint := crypto.Keccak256Hash([]byte(r.Method+" "+r.URL.Path+"\n"), body).Hex()

			ctx := r.Context()
			storeKey := idempotencyPrefix + r.URL.Path + ":" + key
			log := logging.FromContext(ctx).WithField("idempotencyKey", key)

			claimed, err := store.SetNX(ctx, storeKey, inFlightMarker, ttl)
			if err != nil {
				respondServiceError(w, r, apperrors.NewCacheError("claim idempotency key", err))
				return
			}
			if !claimed {
				replayStored(w, r, store, storeKey, fingerprint)
				return
			}

			capture := &captureWriter{ResponseWriter: w}
			defer func() {
				// a panic or server error releases the key for a retry
				if capture.status == 0 || capture.status >= http.StatusInternalServerError {
					if err := store.Del(context.WithoutCancel(ctx), storeKey); err != nil {
						log.WithError(err).Warn("Failed to release idempotency key")
					}
				}
			}()

			next.ServeHTTP(capture, r)

			if capture.status == 0 || capture.status >= http.StatusInternalServerError {
				return
			}
			record, err := json.Marshal(storedResponse{
				Fingerprint: fingerprint,
				Status:      capture.status,
				ContentType: capture.Header().Get("Content-Type"),
				Body:        capture.body.Bytes(),
			})
			if err == nil {
				err = store.Set(context.WithoutCancel(ctx), storeKey, record, ttl)
			}
			if err != nil {
				log.WithError(err).Warn("Failed to store idempotent response")
			}
		})
	}
}

func replayStored(w http.ResponseWriter, r *http.Request, store IdempotencyStore, storeKey, fingerprint string) {
	value, found, err := store.Get(r.Context(), storeKey)
	if err != nil {
		respondServiceError(w, r, apperrors.NewCacheError("read idempotency key", err))
		return
	}
	if !found || value == inFlightMarker {
		respondError(w, http.StatusConflict, ErrCodeIdempotencyInProgress,
			"A request with this idempotency key is still in progress", nil)
		return
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(value), &stored); err != nil {
		respondServiceError(w, r, apperrors.NewCacheError("decode idempotent response", err))
		return
	}
	if stored.Fingerprint != fingerprint {
		respondError(w, http.StatusUnprocessableEntity, ErrCodeIdempotencyMismatch,
			"Idempotency key was already used for a different request", nil)
		return
	}

	if stored.ContentType != "" {
		w.Header().Set("Content-Type", stored.ContentType)
	}
	w.Header().Set(IdempotentReplayHeader, "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Body)
}
