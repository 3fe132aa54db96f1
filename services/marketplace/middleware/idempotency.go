package middleware

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cryptobazaar/services/marketplace/auth"
	"cryptobazaar/services/marketplace/models"
)

// ContextKeyIDKey stores the idempotency key associated with the request.
type ContextKeyIDKey string

const contextKeyIdempotency ContextKeyIDKey = "idempotency-key"

// HeaderIdempotencyKey names the request header carrying the client key.
const HeaderIdempotencyKey = "Idempotency-Key"

// WithIdempotency replays the stored response for a repeated key. Keys are
// scoped to the authenticated subject and route, and server errors are not
// stored so the client may retry them.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := scopedKey(r, raw)

		var record models.IdempotencyKey
		if res := db.WithContext(r.Context()).Where("key = ?", key).Limit(1).Find(&record); res.Error == nil && res.RowsAffected > 0 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Idempotent-Replay", "true")
			w.WriteHeader(record.Status)
			_, _ = w.Write([]byte(record.Response))
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, raw)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		payload := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now().UTC(),
		}
		_ = db.WithContext(context.WithoutCancel(r.Context())).Create(&payload).Error
	})
}

// KeyFromContext returns the client idempotency key of the request, if any.
func KeyFromContext(ctx context.Context) string {
	key, _ := ctx.Value(contextKeyIdempotency).(string)
	return key
}

func scopedKey(r *http.Request, raw string) string {
	subject := "anonymous"
	if claims, err := auth.FromContext(r.Context()); err == nil {
		subject = claims.Subject
	}
	key := subject + "|" + r.Method + "|" + r.URL.Path + "|" + raw
	if len(key) > 128 {
		key = uuid.NewSHA1(uuid.NameSpaceURL, []byte(key)).String()
	}
	return key
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    bytes.Buffer
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	if rr.status == 0 {
		rr.status = status
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	rr.buf.Write(b)
	return rr.ResponseWriter.Write(b)
}
