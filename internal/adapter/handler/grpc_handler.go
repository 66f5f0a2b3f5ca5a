package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rl1809/supply-ledger/internal/core/domain"
	"github.com/rl1809/supply-ledger/internal/core/service"
)

const supplyServiceName = "supply.v1.SupplyService"

// SupplyServiceServer is the gRPC surface. Messages are google.protobuf.Struct so that
// clients can call it with any JSON-shaped payload.
type SupplyServiceServer interface {
	SubmitRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ApproveRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RejectRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	MarkReceived(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ReceiveStock(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetStockView(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListRequests(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

func RegisterSupplyServiceServer(s grpc.ServiceRegistrar, srv SupplyServiceServer) {
	s.RegisterService(&supplyServiceDesc, srv)
}

func unaryHandler(call func(SupplyServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(SupplyServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + supplyServiceName + "/" + method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(SupplyServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

var supplyServiceDesc = grpc.ServiceDesc{
	ServiceName: supplyServiceName,
	HandlerType: (*SupplyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SubmitRequest", Handler: unaryHandler(SupplyServiceServer.SubmitRequest, "SubmitRequest")},
		{MethodName: "ApproveRequest", Handler: unaryHandler(SupplyServiceServer.ApproveRequest, "ApproveRequest")},
		{MethodName: "RejectRequest", Handler: unaryHandler(SupplyServiceServer.RejectRequest, "RejectRequest")},
		{MethodName: "MarkReceived", Handler: unaryHandler(SupplyServiceServer.MarkReceived, "MarkReceived")},
		{MethodName: "ReceiveStock", Handler: unaryHandler(SupplyServiceServer.ReceiveStock, "ReceiveStock")},
		{MethodName: "GetStockView", Handler: unaryHandler(SupplyServiceServer.GetStockView, "GetStockView")},
		{MethodName: "GetRequest", Handler: unaryHandler(SupplyServiceServer.GetRequest, "GetRequest")},
		{MethodName: "ListRequests", Handler: unaryHandler(SupplyServiceServer.ListRequests, "ListRequests")},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "supply/v1/supply.proto",
}

type GRPCHandler struct {
	inventory   *service.InventoryService
	fulfillment *service.FulfillmentService
	queries     *service.QueryService
}

func NewGRPCHandler(inventory *service.InventoryService, fulfillment *service.FulfillmentService, queries *service.QueryService) *GRPCHandler {
	return &GRPCHandler{inventory: inventory, fulfillment: fulfillment, queries: queries}
}

func (h *GRPCHandler) SubmitRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}

	in := service.SubmitInput{
		Notes:          stringField(req, "notes"),
		IdempotencyKey: stringField(req, "idempotency_key"),
	}
	for i, v := range req.GetFields()["lines"].GetListValue().GetValues() {
		line := v.GetStructValue()
		qty, err := intField(line, "quantity")
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "lines[%d]: %v", i, err)
		}
		in.Lines = append(in.Lines, service.LineInput{ItemID: stringField(line, "item_id"), Quantity: qty})
	}

	id, err := h.fulfillment.SubmitRequest(ctx, actor, in)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"success": true, "request_id": id})
}

func (h *GRPCHandler) ApproveRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}

	var approved map[string]int
	if fields := req.GetFields()["approved"].GetStructValue().GetFields(); len(fields) > 0 {
		approved = make(map[string]int, len(fields))
		for lineID, v := range fields {
			qty, err := toInt(v)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "approved[%s]: %v", lineID, err)
			}
			approved[lineID] = qty
		}
	}

	if err := h.fulfillment.ApproveRequest(ctx, actor, stringField(req, "request_id"), approved); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"success": true})
}

func (h *GRPCHandler) RejectRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.fulfillment.RejectRequest(ctx, actor, stringField(req, "request_id"), stringField(req, "reason")); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"success": true})
}

func (h *GRPCHandler) MarkReceived(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if err := h.fulfillment.MarkReceived(ctx, actor, stringField(req, "request_id")); err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"success": true})
}

func (h *GRPCHandler) ReceiveStock(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	qty, err := intField(req, "quantity")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	entry, err := h.inventory.ReceiveStock(ctx, actor, stringField(req, "item_id"), qty)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{"success": true, "item_id": entry.ItemID, "on_hand": entry.Quantity})
}

func (h *GRPCHandler) GetStockView(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	if _, err := actorFromMetadata(ctx); err != nil {
		return nil, err
	}
	views, err := h.queries.GetStockView(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"items": views})
}

func (h *GRPCHandler) GetRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}
	detail, err := h.queries.GetRequest(ctx, actor, stringField(req, "request_id"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(detail)
}

func (h *GRPCHandler) ListRequests(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	actor, err := actorFromMetadata(ctx)
	if err != nil {
		return nil, err
	}

	filter := domain.RequestFilter{RequesterID: stringField(req, "requester_id")}
	if s := stringField(req, "status"); s != "" {
		st, err := domain.ParseStatus(s)
		if err != nil {
			return nil, toStatus(err)
		}
		filter.Status = st
	}
	if _, ok := req.GetFields()["limit"]; ok {
		if filter.Limit, err = intField(req, "limit"); err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
	}

	reqs, err := h.queries.ListRequests(ctx, actor, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"requests": reqs})
}

func actorFromMetadata(ctx context.Context) (domain.Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	first := func(key string) string {
		if v := md.Get(key); len(v) > 0 {
			return v[0]
		}
		return ""
	}

	userID := first("x-user-id")
	role, err := domain.ParseRole(first("x-user-role"))
	if userID == "" || err != nil {
		return domain.Actor{}, status.Error(codes.Unauthenticated, "missing or invalid caller identity")
	}
	return domain.Actor{UserID: userID, Role: role, Origin: first("x-user-origin")}, nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrPermissionDenied):
		return status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.Aborted, err.Error())
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrTransientStore):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func intField(s *structpb.Struct, key string) (int, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := toInt(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func toInt(v *structpb.Value) (int, error) {
	num, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, errors.New("not a number")
	}
	f := num.NumberValue
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, errors.New("not an integer")
	}
	return int(f), nil
}

// toStruct goes through JSON so view types keep their json tags on the wire.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(m)
}
