package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pesio-ai/be-disbursement-flows/internal/common/errors"
	"github.com/pesio-ai/be-disbursement-flows/internal/flow"
	"github.com/pesio-ai/be-disbursement-flows/internal/service"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "pesio.disbursement.v1.ApprovalFlowService"

// UserIDMetadataKey carries the acting user on gRPC calls.
const UserIDMetadataKey = "x-user-id"

// ApprovalFlowServer is the gRPC surface. Messages are google.protobuf.Struct documents
// with the same fields as the HTTP JSON bodies.
type ApprovalFlowServer interface {
	InitializeFlow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFlow(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectStep(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IssueVerificationCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RedeemVerificationCode(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReconcileRecap(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAuditTrail(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetAutoApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SetAutoApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ApprovalFlowServiceDesc describes ApprovalFlowServer for grpc.Server.RegisterService.
var ApprovalFlowServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ApprovalFlowServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("InitializeFlow", ApprovalFlowServer.InitializeFlow),
		unary("GetFlow", ApprovalFlowServer.GetFlow),
		unary("ApproveStep", ApprovalFlowServer.ApproveStep),
		unary("RejectStep", ApprovalFlowServer.RejectStep),
		unary("IssueVerificationCode", ApprovalFlowServer.IssueVerificationCode),
		unary("RedeemVerificationCode", ApprovalFlowServer.RedeemVerificationCode),
		unary("ReconcileRecap", ApprovalFlowServer.ReconcileRecap),
		unary("GetAuditTrail", ApprovalFlowServer.GetAuditTrail),
		unary("GetAutoApproval", ApprovalFlowServer.GetAutoApproval),
		unary("SetAutoApproval", ApprovalFlowServer.SetAutoApproval),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pesio/disbursement/v1/approval_flow.proto",
}

func unary(name string, call func(ApprovalFlowServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ApprovalFlowServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(ApprovalFlowServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// GRPCHandler implements ApprovalFlowServer on top of the flow service.
type GRPCHandler struct {
	service *service.ApprovalFlowService
	logger  zerolog.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(svc *service.ApprovalFlowService, logger zerolog.Logger) *GRPCHandler {
	return &GRPCHandler{
		service: svc,
		logger:  logger.With().Str("handler", "grpc").Logger(),
	}
}

// Register adds the handler to s.
func (h *GRPCHandler) Register(s *grpc.Server) {
	s.RegisterService(&ApprovalFlowServiceDesc, h)
}

// userID extracts the acting user from incoming metadata, or returns empty string.
func userID(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(UserIDMetadataKey); len(v) > 0 {
		return strings.TrimSpace(v[0])
	}
	return ""
}

func requireUser(ctx context.Context) (string, error) {
	uid := userID(ctx)
	if uid == "" {
		return "", status.Error(codes.Unauthenticated, UserIDMetadataKey+" metadata is required")
	}
	return uid, nil
}

// InitializeFlow enters a request into its flow.
func (h *GRPCHandler) InitializeFlow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	actorID, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var req InitializeFlowRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.RequesterID != "" && req.RequesterID != actorID {
		return nil, mapErrorToGRPC(errors.Unauthorized("requester_id must match the calling user"))
	}
	req.RequesterID = actorID
	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("flow_type", req.FlowType).
		Msg("gRPC InitializeFlow called")

	inst, err := h.service.InitializeFlow(ctx, req.RequestID, flow.FlowType(req.FlowType), req.RequesterID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(inst)
}

// GetFlow returns the latest flow instance of a request.
func (h *GRPCHandler) GetFlow(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RequestIDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	inst, err := h.service.GetFlowByRequestID(ctx, req.RequestID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(inst)
}

// ApproveStep approves the current step for the calling user.
func (h *GRPCHandler) ApproveStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var req DecisionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("acted_by", uid).
		Msg("gRPC ApproveStep called")

	res, err := h.service.ApproveStep(ctx, service.ApproveInput{
		RequestID:    req.RequestID,
		ActorID:      uid,
		Notes:        req.Notes,
		ExpectedStep: req.ExpectedStep,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTransitionResponse(res))
}

// RejectStep rejects the current step for the calling user.
func (h *GRPCHandler) RejectStep(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var req DecisionRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	h.logger.Info().
		Str("request_id", req.RequestID).
		Str("acted_by", uid).
		Msg("gRPC RejectStep called")

	res, err := h.service.RejectStep(ctx, service.RejectInput{
		RequestID:    req.RequestID,
		ActorID:      uid,
		Notes:        req.Notes,
		ExpectedStep: req.ExpectedStep,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTransitionResponse(res))
}

// IssueVerificationCode sends a fresh code to the requester.
func (h *GRPCHandler) IssueVerificationCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var req RequestIDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	v, err := h.service.IssueVerificationCode(ctx, req.RequestID, uid)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(&CodeIssuedResponse{VerificationID: v.ID, RequestID: v.RequestID, SentAt: v.SentAt})
}

// RedeemVerificationCode completes the verification step with a live code.
func (h *GRPCHandler) RedeemVerificationCode(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var req RedeemCodeRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	res, err := h.service.RedeemVerificationCode(ctx, service.RedeemInput{
		RequestID: req.RequestID,
		Code:      req.Code,
		ActorID:   uid,
		Delegate:  req.Delegate,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toTransitionResponse(res))
}

// ReconcileRecap runs the recap calculation step.
func (h *GRPCHandler) ReconcileRecap(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var req ReconcileRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	res, err := h.service.ReconcileRecap(ctx, service.ReconcileInput{
		RequestID:      req.RequestID,
		ActorID:        uid,
		RecapAmount:    req.RecapAmount,
		OriginalAmount: req.OriginalAmount,
	})
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toRecapResponse(res))
}

// GetAuditTrail lists the audit entries of a request.
func (h *GRPCHandler) GetAuditTrail(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RequestIDRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	entries, err := h.service.GetAuditTrail(ctx, req.RequestID)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toAuditTrail(req.RequestID, entries))
}

// GetAutoApproval returns the auto-approval flag.
func (h *GRPCHandler) GetAutoApproval(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	entry, err := h.service.GetAutoApprovalEnabled(ctx)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toAutoApproval(entry, 0))
}

// SetAutoApproval toggles the auto-approval flag.
func (h *GRPCHandler) SetAutoApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	uid, err := requireUser(ctx)
	if err != nil {
		return nil, err
	}
	var req AutoApprovalRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, err
	}
	if req.Enabled == nil {
		return nil, status.Error(codes.InvalidArgument, "enabled is required")
	}
	entry, resumed, err := h.service.SetAutoApprovalEnabled(ctx, uid, *req.Enabled)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	return toStruct(toAutoApproval(entry, resumed))
}

// LoggingInterceptor logs every unary call with its outcome and latency.
func LoggingInterceptor(log zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info().
			Str("method", info.FullMethod).
			Str("user_id", userID(ctx)).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC call")
		return resp, err
	}
}

func fromStruct(in *structpb.Struct, dst interface{}) error {
	data, err := json.Marshal(in.AsMap())
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request message")
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request message: "+err.Error())
	}
	return nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

// mapErrorToGRPC keeps the service error code as the message prefix so clients can tell
// INVALID_CODE from INVALID_INPUT.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	code := errors.CodeOf(err)
	c := grpcCode(code)
	if c == codes.Internal {
		return status.Error(codes.Internal, "internal error")
	}
	return status.Errorf(c, "%s: %s", code, err.Error())
}

func grpcCode(code errors.ErrorCode) codes.Code {
	switch code {
	case errors.ErrCodeNotFound:
		return codes.NotFound
	case errors.ErrCodeUnauthorized:
		return codes.PermissionDenied
	case errors.ErrCodeInvalidInput, errors.ErrCodeUnknownFlowType, errors.ErrCodeInvalidCode:
		return codes.InvalidArgument
	case errors.ErrCodeAlreadyInitialized:
		return codes.AlreadyExists
	case errors.ErrCodeStepAlreadyDecided, errors.ErrCodeFlowAlreadyCompleted:
		return codes.FailedPrecondition
	case errors.ErrCodeConflict:
		return codes.Aborted
	case errors.ErrCodeInternal:
		return codes.Internal
	}
	return codes.Internal
}
