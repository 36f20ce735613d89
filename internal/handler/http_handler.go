package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/logger"
	"github.com/pesio-ai/be-disbursement-flows/internal/common/middleware"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/service"
)

// UserIDHeader identifies the acting user until token authentication sits in front of
// the service.
const UserIDHeader = "X-User-ID"

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	service *service.ApprovalFlowService
	checks  map[string]HealthCheck
	log     *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(svc *service.ApprovalFlowService, checks map[string]HealthCheck, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		service: svc,
		checks:  checks,
		log:     log,
	}
}

// Router registers every route. Code redemption is throttled by redeemLimiter when set.
func (h *HTTPHandler) Router(redeemLimiter *rate.Limiter) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/flows", h.InitializeFlow).Methods(http.MethodPost)
	api.HandleFunc("/flows/{requestID}", h.GetFlow).Methods(http.MethodGet)
	api.HandleFunc("/flows/{requestID}/approve", h.ApproveStep).Methods(http.MethodPost)
	api.HandleFunc("/flows/{requestID}/reject", h.RejectStep).Methods(http.MethodPost)
	api.HandleFunc("/flows/{requestID}/verification-codes", h.IssueVerificationCode).Methods(http.MethodPost)

	var redeem http.Handler = http.HandlerFunc(h.RedeemVerificationCode)
	if redeemLimiter != nil {
		redeem = middleware.RateLimit(redeemLimiter)(redeem)
	}
	api.Handle("/flows/{requestID}/verification-codes/redeem", redeem).Methods(http.MethodPost)

	api.HandleFunc("/flows/{requestID}/recap", h.ReconcileRecap).Methods(http.MethodPost)
	api.HandleFunc("/flows/{requestID}/audit", h.GetAuditTrail).Methods(http.MethodGet)
	api.HandleFunc("/definitions/{flowType}", h.GetDefinition).Methods(http.MethodGet)
	api.HandleFunc("/recap/reconcile", h.CalculateRecap).Methods(http.MethodPost)
	api.HandleFunc("/config/auto-approval", h.GetAutoApproval).Methods(http.MethodGet)
	api.HandleFunc("/config/auto-approval", h.SetAutoApproval).Methods(http.MethodPut)
	return r
}

// Health runs every dependency check.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]string{"status": "healthy"}
	for name, check := range h.checks {
		if err := check(r.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "unhealthy"
			body[name] = err.Error()
			continue
		}
		body[name] = "ok"
	}
	h.writeJSON(w, status, body)
}

// InitializeFlow handles POST /api/v1/flows
func (h *HTTPHandler) InitializeFlow(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req InitializeFlowRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequesterID != "" && req.RequesterID != actorID {
		h.writeError(w, r, errors.Unauthorized("requester_id must match the calling user"))
		return
	}
	req.RequesterID = actorID

	inst, err := h.service.InitializeFlow(r.Context(), req.RequestID, flow.FlowType(req.FlowType), req.RequesterID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, inst)
}

// GetFlow handles GET /api/v1/flows/{requestID}
func (h *HTTPHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	inst, err := h.service.GetFlowByRequestID(r.Context(), mux.Vars(r)["requestID"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, inst)
}

// ApproveStep handles POST /api/v1/flows/{requestID}/approve
func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.ApproveStep(r.Context(), service.ApproveInput{
		RequestID:    mux.Vars(r)["requestID"],
		ActorID:      actorID,
		Notes:        req.Notes,
		ExpectedStep: req.ExpectedStep,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

// RejectStep handles POST /api/v1/flows/{requestID}/reject
func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req DecisionRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.RejectStep(r.Context(), service.RejectInput{
		RequestID:    mux.Vars(r)["requestID"],
		ActorID:      actorID,
		Notes:        req.Notes,
		ExpectedStep: req.ExpectedStep,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

// IssueVerificationCode handles POST /api/v1/flows/{requestID}/verification-codes
func (h *HTTPHandler) IssueVerificationCode(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}

	v, err := h.service.IssueVerificationCode(r.Context(), mux.Vars(r)["requestID"], actorID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, &CodeIssuedResponse{
		VerificationID: v.ID,
		RequestID:      v.RequestID,
		SentAt:         v.SentAt,
	})
}

// RedeemVerificationCode handles POST /api/v1/flows/{requestID}/verification-codes/redeem
func (h *HTTPHandler) RedeemVerificationCode(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req RedeemCodeRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.RedeemVerificationCode(r.Context(), service.RedeemInput{
		RequestID: mux.Vars(r)["requestID"],
		Code:      req.Code,
		ActorID:   actorID,
		Delegate:  req.Delegate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

// ReconcileRecap handles POST /api/v1/flows/{requestID}/recap
func (h *HTTPHandler) ReconcileRecap(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req ReconcileRequest
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.service.ReconcileRecap(r.Context(), service.ReconcileInput{
		RequestID:      mux.Vars(r)["requestID"],
		ActorID:        actorID,
		RecapAmount:    req.RecapAmount,
		OriginalAmount: req.OriginalAmount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toRecapResponse(res))
}

// CalculateRecap handles POST /api/v1/recap/reconcile. It only computes the delta.
func (h *HTTPHandler) CalculateRecap(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RecapAmount < 0 || req.OriginalAmount < 0 {
		h.writeError(w, r, errors.InvalidInput("recap_amount", "amounts must not be negative"))
		return
	}
	res := flow.Reconcile(req.RecapAmount, req.OriginalAmount)
	h.writeJSON(w, http.StatusOK, &RecapResponse{NetAmount: res.NetAmount, Type: res.Type})
}

// GetAuditTrail handles GET /api/v1/flows/{requestID}/audit
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestID"]
	entries, err := h.service.GetAuditTrail(r.Context(), requestID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAuditTrail(requestID, entries))
}

// GetDefinition handles GET /api/v1/definitions/{flowType}
func (h *HTTPHandler) GetDefinition(w http.ResponseWriter, r *http.Request) {
	def, err := h.service.GetDefinition(flow.FlowType(mux.Vars(r)["flowType"]))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, def)
}

// GetAutoApproval handles GET /api/v1/config/auto-approval
func (h *HTTPHandler) GetAutoApproval(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.GetAutoApprovalEnabled(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAutoApproval(entry, 0))
}

// SetAutoApproval handles PUT /api/v1/config/auto-approval
func (h *HTTPHandler) SetAutoApproval(w http.ResponseWriter, r *http.Request) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req AutoApprovalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		h.writeError(w, r, errors.InvalidInput("enabled", "enabled is required"))
		return
	}

	entry, resumed, err := h.service.SetAutoApprovalEnabled(r.Context(), actorID, *req.Enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toAutoApproval(entry, resumed))
}

func (h *HTTPHandler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	// TODO: read the actor from the verified JWT once the gateway forwards one.
	id := strings.TrimSpace(r.Header.Get(UserIDHeader))
	if id == "" {
		h.writeJSON(w, http.StatusUnauthorized, &ErrorResponse{Error: ErrorBody{
			Code:    string(errors.ErrCodeUnauthorized),
			Message: UserIDHeader + " header is required",
		}})
		return "", false
	}
	return id, true
}

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if r.Body == nil {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		h.writeError(w, r, errors.InvalidInput("body", "invalid request body"))
		return false
	}
	return true
}

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	body := ErrorBody{Code: string(errors.CodeOf(err)), Message: err.Error()}
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Field = appErr.Field
	}

	status := httpStatus(errors.CodeOf(err))
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetRequestID(r.Context())).
			Msg("Request failed")
		body.Message = "internal error"
	}
	h.writeJSON(w, status, &ErrorResponse{Error: body})
}

func httpStatus(code errors.ErrorCode) int {
	switch code {
	case errors.ErrCodeNotFound:
		return http.StatusNotFound
	case errors.ErrCodeUnauthorized:
		return http.StatusForbidden
	case errors.ErrCodeInvalidInput, errors.ErrCodeUnknownFlowType:
		return http.StatusBadRequest
	case errors.ErrCodeInvalidCode:
		return http.StatusUnprocessableEntity
	case errors.ErrCodeStepAlreadyDecided, errors.ErrCodeAlreadyInitialized,
		errors.ErrCodeFlowAlreadyCompleted, errors.ErrCodeConflict:
		return http.StatusConflict
	case errors.ErrCodeInternal:
		return http.StatusInternalServerError
	}
	return http.StatusInternalServerError
}
