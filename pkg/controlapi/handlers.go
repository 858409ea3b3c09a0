package controlapi

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	apperrors "github.com/oriolrius/keycloak-kafka-scram-sync/internal/errors"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/audit"
	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/reconcile"
)

// errorEnvelope is this module's error response shape: simpler than
// audit's RFC 7807 problem, since every caller here is either a human
// operator or a dashboard, not another service parsing problem types.
type errorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// respondError classifies err via internal/errors and writes the
// envelope: a *apperrors.AppError carries its own status and type,
// anything else is wrapped with fallbackType/fallbackMessage first so
// every response, typed or not, goes through the same status mapping
// and the same safe-message rule for internal failures.
func respondError(w http.ResponseWriter, err error, fallbackType apperrors.ErrorType, fallbackMessage string) {
	appErr, ok := err.(*apperrors.AppError)
	if !ok {
		appErr = apperrors.Wrap(err, fallbackType, fallbackMessage)
	}
	writeJSON(w, appErr.StatusCode, errorEnvelope{
		Code:    string(appErr.Type),
		Message: apperrors.SafeErrorMessage(appErr),
	})
}

func (a *API) basicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.cfg.BasicAuthUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(a.cfg.BasicAuthPass)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="control-api"`)
			respondError(w, apperrors.NewAuthError("valid basic auth credentials are required"), apperrors.ErrorTypeAuth, "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports 503 directly rather than through respondError:
// readiness probes key off that exact status, which isn't one of
// internal/errors' ErrorType-mapped codes. Ready requires storage to be
// writable and every dependency breaker to be CLOSED.
func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Code: "not_ready", Message: err.Error()})
		return
	}
	if a.breakers != nil {
		for _, name := range dependencyBreakers {
			if state := a.breakers.State(name); state != gobreaker.StateClosed {
				writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{
					Code:    "not_ready",
					Message: fmt.Sprintf("%s breaker is %s", name, state),
				})
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type triggerRequest struct {
	Source string `json:"source"`
	DryRun bool   `json:"dryRun"`
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	source := audit.Source(req.Source)
	if source == "" {
		source = audit.SourceManual
	}

	result, err := a.reconciler.Trigger(r.Context(), source, req.DryRun)
	if err == reconcile.ErrAlreadyRunning {
		a.metrics.reconcileErrors.WithLabelValues(ReasonUnknown).Inc()
		respondError(w, apperrors.New(apperrors.ErrorTypeConflict, "a reconciliation is already in progress"), apperrors.ErrorTypeConflict, "")
		return
	}
	if err != nil {
		a.metrics.reconcileErrors.WithLabelValues(ReasonUnknown).Inc()
		respondError(w, err, apperrors.ErrorTypeNetwork, "reconciliation failed")
		return
	}

	a.metrics.reconcileTriggers.WithLabelValues(string(source)).Inc()
	a.metrics.operationsTotal.WithLabelValues("upsert", "success").Add(float64(result.Totals.Success))
	a.metrics.operationsTotal.WithLabelValues("upsert", "error").Add(float64(result.Totals.Error))
	writeJSON(w, http.StatusAccepted, result)
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"running": a.reconciler.IsRunning()})
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := a.store.Summary(r.Context(), a.cfg.SummaryWindow, time.Now())
	if err != nil {
		respondError(w, err, apperrors.ErrorTypeDatabase, "failed to compute summary")
		return
	}
	if a.queue != nil {
		qm := a.queue.Metrics()
		a.metrics.queueDepth.Set(float64(qm.Depth))
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleOperations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since, err := parseTimeOr(q.Get("startTime"), nil)
	if err != nil {
		respondError(w, apperrors.NewValidationError("startTime: "+err.Error()), apperrors.ErrorTypeValidation, "")
		return
	}
	until, err := parseTimeOr(q.Get("endTime"), nil)
	if err != nil {
		respondError(w, apperrors.NewValidationError("endTime: "+err.Error()), apperrors.ErrorTypeValidation, "")
		return
	}
	filter := audit.OperationFilter{
		CorrelationID: q.Get("correlationId"),
		Realm:         q.Get("realm"),
		Principal:     q.Get("principal"),
		Result:        audit.Result(q.Get("result")),
		OpType:        audit.OpType(q.Get("opType")),
		Since:         since,
		Until:         until,
		Page:          atoiOr(q.Get("page"), 0),
		PageSize:      atoiOr(q.Get("pageSize"), 100),
	}
	ops, err := a.store.ListOperations(r.Context(), filter)
	if err != nil {
		respondError(w, err, apperrors.ErrorTypeDatabase, "failed to list operations")
		return
	}
	writeJSON(w, http.StatusOK, ops)
}

func (a *API) handleBatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	batches, err := a.store.ListBatches(r.Context(), atoiOr(q.Get("page"), 0), atoiOr(q.Get("pageSize"), 50))
	if err != nil {
		respondError(w, err, apperrors.ErrorTypeDatabase, "failed to list batches")
		return
	}
	writeJSON(w, http.StatusOK, batches)
}

func (a *API) handleGetRetention(w http.ResponseWriter, r *http.Request) {
	rs, err := a.store.GetRetention(r.Context())
	if err != nil {
		respondError(w, err, apperrors.ErrorTypeDatabase, "failed to read retention policy")
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

type retentionRequest struct {
	MaxBytes   *int64 `json:"maxBytes" validate:"omitempty,gte=0,lte=10737418240"`
	MaxAgeDays *int64 `json:"maxAgeDays" validate:"omitempty,gte=0,lte=3650"`
}

func (a *API) handlePutRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, apperrors.NewValidationError("request body is not valid JSON: "+err.Error()), apperrors.ErrorTypeValidation, "")
		return
	}
	if err := a.validate.Struct(req); err != nil {
		respondError(w, apperrors.NewValidationError(err.Error()), apperrors.ErrorTypeValidation, "")
		return
	}
	rs, err := a.store.UpdateRetention(r.Context(), req.MaxBytes, req.MaxAgeDays)
	if err != nil {
		respondError(w, err, apperrors.ErrorTypeDatabase, "failed to update retention policy")
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

// parseTimeOr parses s as RFC 3339 if non-empty, returning fallback
// unchanged when s is empty.
func parseTimeOr(s string, fallback *time.Time) (*time.Time, error) {
	if s == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func atoiOr(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return n
}
