package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/phone-enrich/internal/fingerprint"
	"github.com/sells-group/phone-enrich/internal/lookup"
	"github.com/sells-group/phone-enrich/internal/webhook"
)

type handlers struct {
	deps Deps
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health.Ping(r.Context()); err != nil {
			zap.L().Warn("server: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// providerWebhook answers 200 once the payload is stored, whatever happens
// to it downstream. Only authenticity and shape failures are rejected.
func (h *handlers) providerWebhook(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	sig := r.Header.Get("X-Signature")
	if sig == "" {
		sig = r.Header.Get("X-Hub-Signature-256")
	}

	res, err := h.deps.Webhooks.Ingest(r.Context(), source, chi.URLParam(r, "event"), body, sig)
	if err != nil {
		h.webhookError(w, r, source, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse(res))
}

func (h *handlers) genericWebhook(w http.ResponseWriter, r *http.Request) {
	var ev webhook.GenericEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := h.deps.Webhooks.IngestGeneric(r.Context(), bearer(r), ev)
	if err != nil {
		h.webhookError(w, r, ev.Source, err)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse(res))
}

func (h *handlers) webhookError(w http.ResponseWriter, r *http.Request, source string, err error) {
	switch {
	case errors.Is(err, webhook.ErrUnknownSource):
		writeError(w, http.StatusNotFound, "unknown webhook source")
	case errors.Is(err, webhook.ErrInvalidSignature), errors.Is(err, webhook.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, webhook.ErrMalformedPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		zap.L().Error("server: webhook ingest failed",
			zap.String("source", source),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "could not store webhook")
	}
}

func webhookResponse(res *webhook.Result) map[string]any {
	status := "queued"
	if !res.Created && !res.Requeued {
		status = "duplicate"
	}
	return map[string]any{"status": status, "webhook_id": res.WebhookID}
}

func (h *handlers) createRecord(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Phone string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Phone == "" {
		writeError(w, http.StatusBadRequest, "phone is required")
		return
	}
	rec, err := h.deps.Records.Create(r.Context(), req.Phone)
	if errors.Is(err, fingerprint.ErrInvalidPhone) {
		writeError(w, http.StatusBadRequest, "invalid phone number")
		return
	}
	if err != nil {
		zap.L().Error("server: create record", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create record")
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *handlers) getRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Reader.GetRecord(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		zap.L().Error("server: get record", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load record")
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "record not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) retryRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Records.ForceRetry(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, lookup.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "record not found")
	case errors.Is(err, lookup.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		zap.L().Error("server: retry record", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not retry record")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

func (h *handlers) listCircuits(w http.ResponseWriter, r *http.Request) {
	states, err := h.deps.Breakers.States(r.Context())
	if err != nil {
		zap.L().Error("server: list circuits", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list circuits")
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (h *handlers) getCircuit(w http.ResponseWriter, r *http.Request) {
	h.circuitStatus(w, r, chi.URLParam(r, "provider"))
}

func (h *handlers) resetCircuit(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := h.deps.Breakers.Get(provider).Reset(r.Context()); err != nil {
		zap.L().Error("server: reset circuit", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not reset circuit")
		return
	}
	zap.L().Info("server: circuit reset by operator", zap.String("provider", provider))
	h.circuitStatus(w, r, provider)
}

func (h *handlers) openCircuit(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if err := h.deps.Breakers.Get(provider).ForceOpen(r.Context()); err != nil {
		zap.L().Error("server: open circuit", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not open circuit")
		return
	}
	zap.L().Warn("server: circuit forced open by operator", zap.String("provider", provider))
	h.circuitStatus(w, r, provider)
}

func (h *handlers) circuitStatus(w http.ResponseWriter, r *http.Request, provider string) {
	st, err := h.deps.Breakers.Get(provider).GetState(r.Context())
	if err != nil {
		zap.L().Error("server: circuit state", zap.String("provider", provider), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load circuit")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.deps.Stats.Collect(r.Context(), h.deps.LookbackHours)
	if err != nil {
		zap.L().Error("server: collect stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not collect stats")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func tokenMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
