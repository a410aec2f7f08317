// internal/api/http/dispatch_handler.go
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"contractor-dispatch/internal/domain"
	"contractor-dispatch/internal/metrics"
	"contractor-dispatch/internal/usecase"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DispatchHandler serves the /dispatch API.
type DispatchHandler struct {
	service  *usecase.DispatchService
	logger   *slog.Logger
	validate *validator.Validate
	tracer   trace.Tracer
}

func NewDispatchHandler(service *usecase.DispatchService, logger *slog.Logger) *DispatchHandler {
	validate := validator.New()

	_ = validate.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		d, err := time.ParseDuration(fl.Field().String())
		return err == nil && d > 0
	})

	return &DispatchHandler{
		service:  service,
		logger:   logger.With("component", "dispatch-handler"),
		validate: validate,
		tracer:   otel.Tracer("contractor-dispatch-api"),
	}
}

// A helper struct to capture the status code
type instrumentedResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *instrumentedResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// RegisterRoutes registers the dispatch routes on mux.
func (h *DispatchHandler) RegisterRoutes(mux *http.ServeMux) {
	routes := []struct {
		pattern string
		handler http.HandlerFunc
	}{
		{"POST /dispatch/jobs/{jobId}/rounds", h.handleRunRound},
		{"GET /dispatch/jobs/{jobId}/rounds", h.handleListRounds},
		{"GET /dispatch/jobs/{jobId}/assignments", h.handleListAssignments},
		{"GET /dispatch/jobs/{jobId}/active", h.handleActiveAssignment},
		{"POST /dispatch/jobs/{jobId}/reassign", h.handleReassign},
		{"POST /dispatch/assignments/{id}/respond", h.handleRespond},
		{"POST /dispatch/sweep", h.handleSweep},
		{"GET /dispatch/contractors/{id}/pending", h.handlePending},
		{"PUT /dispatch/contractors/{id}/push-token", h.handlePushToken},
		{"PUT /dispatch/contractors/{id}", h.handleUpsertContractor},
	}
	for _, r := range routes {
		mux.Handle(r.pattern, h.instrument(r.pattern, r.handler))
	}
}

func (h *DispatchHandler) instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := h.tracer.Start(r.Context(), "HTTP "+route, trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.target", r.URL.Path),
		))
		defer span.End()

		iw := &instrumentedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(iw, r.WithContext(ctx))

		metrics.HttpRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(iw.statusCode)).Inc()

		span.SetAttributes(attribute.Int("http.status_code", iw.statusCode))
		if iw.statusCode >= 500 {
			span.SetStatus(codes.Error, "Server Error")
		}
	})
}

func (h *DispatchHandler) handleRunRound(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := r.PathValue("jobId")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("job.id", jobID))

	var req RunRoundRequest
	if !h.decode(w, r, &req) {
		return
	}

	job := req.Job.toDomain(jobID)
	params := req.params()
	result, err := h.service.RunRound(ctx, job, req.pool(), params)
	if err != nil {
		h.writeError(w, r, "error running dispatch round", err)
		return
	}

	resp := roundResponse(result)
	if req.Track && len(result.Assignments) > 0 {
		if err := h.service.Track(ctx, job, params); err != nil {
			h.writeError(w, r, "error tracking job", err)
			return
		}
		resp.Tracked = true
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *DispatchHandler) handleListRounds(w http.ResponseWriter, r *http.Request) {
	rounds, err := h.service.RoundsForJob(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.writeError(w, r, "error listing rounds", err)
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

func (h *DispatchHandler) handleListAssignments(w http.ResponseWriter, r *http.Request) {
	as, err := h.service.AssignmentsForJob(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.writeError(w, r, "error listing assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, as)
}

func (h *DispatchHandler) handleActiveAssignment(w http.ResponseWriter, r *http.Request) {
	a, err := h.service.GetActiveAssignment(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.writeError(w, r, "error getting active assignment", err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *DispatchHandler) handleReassign(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.CheckAndReassign(r.Context(), r.PathValue("jobId"))
	if err != nil {
		h.writeError(w, r, "error reassigning job", err)
		return
	}
	resp := ReassignResponse{JobID: res.JobID, Outcome: string(res.Outcome)}
	if res.Round != nil {
		rr := roundResponse(res.Round)
		resp.Round = &rr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *DispatchHandler) handleRespond(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	var req RespondRequest
	if !h.decode(w, r, &req) {
		return
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("assignment.id", id),
		attribute.String("contractor.id", req.ContractorID),
	)

	t, err := h.service.Respond(ctx, id, req.ContractorID, usecase.Decision(req.Decision))
	if err != nil {
		// An accept that arrived too late still reports the expired assignment.
		if t != nil && errors.Is(err, domain.ErrConflict) {
			h.logger.Info("late response refused", "assignment_id", id, "error", err)
			writeJSON(w, http.StatusConflict, TransitionResponse{
				Assignment: t.Assignment,
				Error:      err.Error(),
			})
			return
		}
		h.writeError(w, r, "error applying response", err)
		return
	}
	writeJSON(w, http.StatusOK, TransitionResponse{Assignment: t.Assignment, Withdrawn: t.Withdrawn})
}

func (h *DispatchHandler) handleSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := h.service.Sweep(r.Context())
	if err != nil {
		h.writeError(w, r, "error sweeping expired assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Expired: expired, Count: len(expired)})
}

func (h *DispatchHandler) handlePending(w http.ResponseWriter, r *http.Request) {
	as, err := h.service.PendingAssignments(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, "error listing pending assignments", err)
		return
	}
	writeJSON(w, http.StatusOK, as)
}

func (h *DispatchHandler) handlePushToken(w http.ResponseWriter, r *http.Request) {
	var req PushTokenRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.RegisterPushToken(r.Context(), r.PathValue("id"), req.Token); err != nil {
		h.writeError(w, r, "error registering push token", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *DispatchHandler) handleUpsertContractor(w http.ResponseWriter, r *http.Request) {
	var req ContractorRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID != r.PathValue("id") {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "contractor id in body does not match path"})
		return
	}
	c := req.ToDomainContractor()
	if err := h.service.UpsertContractor(r.Context(), c); err != nil {
		h.writeError(w, r, "error saving contractor", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// decode reads and validates the JSON body into dst, answering 400 on failure.
func (h *DispatchHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	span := trace.SpanFromContext(r.Context())

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		span.SetStatus(codes.Error, "Failed to decode request body")
		span.RecordError(err)
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body: " + err.Error()})
		return false
	}

	if err := h.validate.Struct(dst); err != nil {
		span.SetStatus(codes.Error, "Validation failed")
		span.RecordError(err)
		var details []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				details = append(details, "Field '"+fe.Namespace()+"' failed on the '"+fe.Tag()+"' tag.")
			}
		}
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Validation failed", Details: details})
		return false
	}
	return true
}

// writeError maps domain errors onto status codes.
func (h *DispatchHandler) writeError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	span := trace.SpanFromContext(r.Context())
	span.RecordError(err)

	status := statusFor(err)
	if status >= 500 {
		span.SetStatus(codes.Error, msg)
		h.logger.Error(msg, "path", r.URL.Path, "error", err)
	} else {
		h.logger.Warn(msg, "path", r.URL.Path, "error", err)
	}

	body := ErrorResponse{Error: err.Error()}
	if status == http.StatusInternalServerError {
		body.Error = "Internal server error"
	}
	writeJSON(w, status, body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func roundResponse(res *usecase.RoundResult) RoundResponse {
	return RoundResponse{Round: res.Round, Assignments: res.Assignments}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
