// ============================================================================
// smart-tier gRPC 控制服務
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 將規則、命令、存取表與搬移狀態透過 gRPC 暴露給 CLI
//
// 服務 smarttier.v1.ControlService 以手寫的 grpc.ServiceDesc 註冊，
// 訊息一律使用 protobuf well-known types:
//   - 結構化資料 (規則、命令、狀態)    → structpb.Struct / structpb.ListValue
//   - 單一 id / 文字                    → wrapperspb.Int64Value / StringValue
//   - 無參數或無回傳                    → emptypb.Empty
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/smart-tier/internal/controller"
	"github.com/ChuLiYu/smart-tier/internal/mover"
	"github.com/ChuLiYu/smart-tier/internal/rule"
	"github.com/ChuLiYu/smart-tier/internal/rule/translator"
	"github.com/ChuLiYu/smart-tier/internal/store"
	"github.com/ChuLiYu/smart-tier/pkg/types"
)

// ServiceName is the fully-qualified gRPC service name.
const ServiceName = "smarttier.v1.ControlService"

// ControlServer is the server API of the control service.
type ControlServer interface {
	SubmitRule(context.Context, *structpb.Struct) (*wrapperspb.Int64Value, error)
	CheckRule(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	GetRule(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	ListRules(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	DisableRule(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ActivateRule(context.Context, *wrapperspb.Int64Value) (*emptypb.Empty, error)
	DeleteRule(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	ListCommands(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	GetCommand(context.Context, *wrapperspb.Int64Value) (*structpb.Struct, error)
	ListTables(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	MoverStatus(context.Context, *wrapperspb.StringValue) (*structpb.ListValue, error)
	Status(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// ============================================================================
// Server
// ============================================================================

// Server implements ControlServer on top of a running controller.
type Server struct {
	ctrl   *controller.Controller
	logger *slog.Logger
}

var _ ControlServer = (*Server)(nil)

// NewServer creates a control service backed by ctrl.
func NewServer(ctrl *controller.Controller, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{ctrl: ctrl, logger: logger.With("component", "server")}
}

// Register adds the service to a gRPC server.
func (s *Server) Register(g *grpc.Server) {
	g.RegisterService(&ServiceDesc, s)
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", addr, err)
	}
	return s.ServeListener(ctx, lis)
}

// ServeListener serves on lis until ctx is done, then stops gracefully.
func (s *Server) ServeListener(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	s.Register(g)

	errCh := make(chan error, 1)
	go func() { errCh <- g.Serve(lis) }()
	s.logger.Info("Control service listening", "address", lis.Addr().String())

	select {
	case <-ctx.Done():
		g.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// logCalls 記錄每次呼叫的方法、耗時與錯誤
func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("Control call failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		s.logger.Debug("Control call", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

// ============================================================================
// 規則
// ============================================================================

func (s *Server) SubmitRule(ctx context.Context, req *structpb.Struct) (*wrapperspb.Int64Value, error) {
	text := req.GetFields()["text"].GetStringValue()
	state := types.RuleState(req.GetFields()["state"].GetStringValue())
	rules, err := s.rules()
	if err != nil {
		return nil, err
	}
	id, err := rules.SubmitRule(ctx, text, state)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Int64(int64(id)), nil
}

func (s *Server) CheckRule(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	rules, err := s.rules()
	if err != nil {
		return nil, err
	}
	if err := rules.CheckRule(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) GetRule(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	rules, err := s.rules()
	if err != nil {
		return nil, err
	}
	info, err := rules.GetRule(ctx, types.RuleID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(info)
}

func (s *Server) ListRules(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	rules, err := s.rules()
	if err != nil {
		return nil, err
	}
	infos, err := rules.ListRules(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeList(infos)
}

func (s *Server) DisableRule(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rules, err := s.rules()
	if err != nil {
		return nil, err
	}
	id, drop := ruleRef(req)
	if err := rules.DisableRule(ctx, id, drop); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ActivateRule(ctx context.Context, req *wrapperspb.Int64Value) (*emptypb.Empty, error) {
	rules, err := s.rules()
	if err != nil {
		return nil, err
	}
	if err := rules.ActivateRule(ctx, types.RuleID(req.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) DeleteRule(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	rules, err := s.rules()
	if err != nil {
		return nil, err
	}
	id, drop := ruleRef(req)
	if err := rules.DeleteRule(ctx, id, drop); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func ruleRef(req *structpb.Struct) (types.RuleID, bool) {
	f := req.GetFields()
	return types.RuleID(f["id"].GetNumberValue()), f["drop_pending"].GetBoolValue()
}

// ============================================================================
// 命令 / 存取表 / 搬移
// ============================================================================

func (s *Server) ListCommands(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	f := req.GetFields()
	filter := store.CommandFilter{
		RuleID: types.RuleID(f["rule_id"].GetNumberValue()),
		State:  types.CommandState(f["state"].GetStringValue()),
	}
	if filter.State != "" && !filter.State.Valid() {
		return nil, status.Errorf(codes.InvalidArgument, "unknown command state %q", filter.State)
	}
	cmds, err := s.ctrl.Queue().List(ctx, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeList(cmds)
}

func (s *Server) GetCommand(ctx context.Context, req *wrapperspb.Int64Value) (*structpb.Struct, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	cmd, err := s.ctrl.Queue().Get(ctx, types.CommandID(req.GetValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(cmd)
}

// ListTables 列出與 [start, end) 重疊的存取次數表；end 為 0 表示不限
func (s *Server) ListTables(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	f := req.GetFields()
	tables, err := s.ctrl.Store().ListAccessCountTables(ctx,
		int64(f["start"].GetNumberValue()), int64(f["end"].GetNumberValue()))
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeList(tables)
}

// MoverStatus 空 id 列出所有任務
func (s *Server) MoverStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.ListValue, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	if req.GetValue() == "" {
		return encodeList(s.ctrl.Movers().List())
	}
	snap, err := s.ctrl.Movers().Get(req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeList([]mover.Snapshot{snap})
}

func (s *Server) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.ctrl.Status(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return encodeStruct(st)
}

func (s *Server) running() error {
	if s.ctrl.Rules() == nil {
		return status.Error(codes.Unavailable, controller.ErrNotRunning.Error())
	}
	return nil
}

func (s *Server) rules() (*rule.Manager, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.ctrl.Rules(), nil
}

// toStatus 將領域錯誤映射為 gRPC 狀態碼
func toStatus(err error) error {
	code := codes.Internal
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, mover.ErrTaskNotFound):
		code = codes.NotFound
	case errors.Is(err, translator.ErrSyntax), errors.Is(err, rule.ErrUnknownAction):
		code = codes.InvalidArgument
	case errors.Is(err, rule.ErrInvalidState):
		code = codes.FailedPrecondition
	case errors.Is(err, rule.ErrManagerClosed), errors.Is(err, controller.ErrNotRunning):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// ============================================================================
// 編碼
// ============================================================================

// encodeStruct 經由 JSON 將 v 轉為 Struct，欄位名稱沿用 json tag
func encodeStruct(v any) (*structpb.Struct, error) {
	var m map[string]any
	if err := roundTrip(v, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func encodeList(v any) (*structpb.ListValue, error) {
	items := []any{}
	if err := roundTrip(v, &items); err != nil {
		return nil, err
	}
	return structpb.NewList(items)
}

func roundTrip(v, out any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return status.Errorf(codes.Internal, "encode: %v", err)
	}
	if string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return status.Errorf(codes.Internal, "encode: %v", err)
	}
	return nil
}

// ============================================================================
// Service descriptor
// ============================================================================

func unary[T proto.Message](method string, newReq func() T, call func(ControlServer, context.Context, T) (proto.Message, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := newReq()
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(ControlServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(ControlServer), ctx, req.(T))
			})
		},
	}
}

func newStruct() *structpb.Struct { return &structpb.Struct{} }
func newInt64() *wrapperspb.Int64Value { return &wrapperspb.Int64Value{} }
func newString() *wrapperspb.StringValue { return &wrapperspb.StringValue{} }
func newEmpty() *emptypb.Empty { return &emptypb.Empty{} }

// ServiceDesc describes smarttier.v1.ControlService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitRule", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.SubmitRule(ctx, in)
		}),
		unary("CheckRule", newString, func(s ControlServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
			return s.CheckRule(ctx, in)
		}),
		unary("GetRule", newInt64, func(s ControlServer, ctx context.Context, in *wrapperspb.Int64Value) (proto.Message, error) {
			return s.GetRule(ctx, in)
		}),
		unary("ListRules", newEmpty, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.ListRules(ctx, in)
		}),
		unary("DisableRule", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.DisableRule(ctx, in)
		}),
		unary("ActivateRule", newInt64, func(s ControlServer, ctx context.Context, in *wrapperspb.Int64Value) (proto.Message, error) {
			return s.ActivateRule(ctx, in)
		}),
		unary("DeleteRule", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.DeleteRule(ctx, in)
		}),
		unary("ListCommands", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.ListCommands(ctx, in)
		}),
		unary("GetCommand", newInt64, func(s ControlServer, ctx context.Context, in *wrapperspb.Int64Value) (proto.Message, error) {
			return s.GetCommand(ctx, in)
		}),
		unary("ListTables", newStruct, func(s ControlServer, ctx context.Context, in *structpb.Struct) (proto.Message, error) {
			return s.ListTables(ctx, in)
		}),
		unary("MoverStatus", newString, func(s ControlServer, ctx context.Context, in *wrapperspb.StringValue) (proto.Message, error) {
			return s.MoverStatus(ctx, in)
		}),
		unary("Status", newEmpty, func(s ControlServer, ctx context.Context, in *emptypb.Empty) (proto.Message, error) {
			return s.Status(ctx, in)
		}),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "smarttier/v1/control.proto",
}
