package server

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"subsidychain/services/subsidyd/models"
)

// IdempotencyHeader names the client-supplied key for replayable POSTs.
const IdempotencyHeader = "Idempotency-Key"

const maxIdempotencyKeyLen = 128

// Idempotency ensures POST requests carrying the same key are executed once.
// Responses below 500 are persisted and replayed for later requests with the key.
// Server errors are not cached so the client can retry them, except divergence
// responses: the ledger already holds that write and a retry would repeat it.
type Idempotency struct {
	db       *gorm.DB
	logger   *slog.Logger
	inFlight sync.Map
}

// NewIdempotency builds the middleware state for one server.
func NewIdempotency(db *gorm.DB, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{db: db, logger: logger}
}

// Middleware wraps next with key-based replay.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeRaw(w, http.StatusBadRequest, `{"message":"Idempotency-Key is too long."}`)
			return
		}
		if i.replay(w, r, key) {
			return
		}

		if _, busy := i.inFlight.LoadOrStore(key, struct{}{}); busy {
			writeRaw(w, http.StatusConflict, `{"message":"A request with this Idempotency-Key is still in progress."}`)
			return
		}
		defer i.inFlight.Delete(key)
		// a request holding the slot may have stored its record just before releasing it
		if i.replay(w, r, key) {
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError && recorder.Header().Get(DivergenceHeader) == "" {
			return
		}
		requestID := chimw.GetReqID(r.Context())
		if requestID == "" {
			requestID = uuid.NewString()
		}
		payload := models.IdempotencyKey{
			Key:       key,
			RequestID: requestID,
			Method:    r.Method,
			Path:      r.URL.Path,
			Status:    status,
			Response:  recorder.buf.String(),
			CreatedAt: time.Now().UTC(),
		}
		if err := i.db.WithContext(r.Context()).Create(&payload).Error; err != nil {
			i.logger.Warn("idempotency record not stored", slog.String("path", r.URL.Path), slog.Any("error", err))
		}
	})
}

// replay writes a stored response for key. It reports whether the request was answered.
func (i *Idempotency) replay(w http.ResponseWriter, r *http.Request, key string) bool {
	var record models.IdempotencyKey
	err := i.db.WithContext(r.Context()).First(&record, "key = ?", key).Error
	switch {
	case err == nil:
		if record.Method != r.Method || record.Path != r.URL.Path {
			writeRaw(w, http.StatusUnprocessableEntity, `{"message":"Idempotency-Key was already used for a different request."}`)
			return true
		}
		w.Header().Set("Idempotent-Replayed", "true")
		writeRaw(w, record.Status, record.Response)
		return true
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false
	default:
		i.logger.Error("idempotency lookup failed", slog.Any("error", err))
		writeRaw(w, http.StatusInternalServerError, `{"message":"An internal server error occurred."}`)
		return true
	}
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

func writeRaw(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
