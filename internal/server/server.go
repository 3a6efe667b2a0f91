// ============================================================================
// Forge-Dispatch gRPC Server - 對外傳輸層
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 gRPC 暴露編排器與佇列操作
//
// 服務 forgedispatch.v1.Dispatcher 的訊息一律是 google.protobuf.Struct，
// 內容與 orchestrator.ToolResponse 相同形狀：
//   {success, data?, error?, metadata?}
//
// 方法:
//   ProcessRequest  {text, user_id, project_id, history[]}
//   GetJobStatus    {queue, job_id}
//   CancelJob       {queue, job_id}
//   GetQueueStats   {queue}（空字串回傳全部佇列）
//   EnqueueJob      {queue, payload{}, priority, delay, attempts}
//   CleanQueue      {queue, max_age}
//
// 業務錯誤放在回應的 error 欄位；只有無法解析的請求回傳 InvalidArgument。
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/forge-dispatch/internal/orchestrator"
	"github.com/ChuLiYu/forge-dispatch/pkg/types"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "forgedispatch.v1.Dispatcher"

// Queue is the part of the job queue service exposed directly.
type Queue interface {
	Enqueue(queue types.QueueName, payload any, opts types.JobOptions) (types.JobHandle, error)
	Clean(queue types.QueueName, maxAge time.Duration) (int, error)
	AllStats() []types.QueueStats
}

// DispatcherServer is the server API of forgedispatch.v1.Dispatcher.
type DispatcherServer interface {
	ProcessRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetQueueStats(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EnqueueJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CleanQueue(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetFailedJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Server implements DispatcherServer.
type Server struct {
	orch     *orchestrator.Orchestrator
	queue    Queue
	validate *validator.Validate
	log      *slog.Logger
}

// NewServer creates a server.
func NewServer(orch *orchestrator.Orchestrator, queue Queue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:     orch,
		queue:    queue,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logger.With("component", "grpc"),
	}
}

// NewGRPCServer returns a grpc.Server with the dispatcher registered and
// request logging installed.
func NewGRPCServer(s *Server, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(s.logUnary)}, opts...)
	g := grpc.NewServer(opts...)
	RegisterDispatcherServer(g, s)
	return g
}

// ============================================================================
// RPC handlers
// ============================================================================

type processRequestIn struct {
	Text      string   `json:"text"`
	UserID    string   `json:"user_id"`
	ProjectID string   `json:"project_id"`
	History   []string `json:"history"`
}

func (s *Server) ProcessRequest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req processRequestIn
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return encode(s.orch.ProcessRequest(ctx, orchestrator.Request{
		Text:      req.Text,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		History:   req.History,
	}))
}

type jobRef struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
}

func (s *Server) GetJobStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRef
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return encode(s.orch.GetJobStatus(req.Queue, req.JobID))
}

func (s *Server) CancelJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req jobRef
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return encode(s.orch.CancelJob(req.Queue, req.JobID))
}

func (s *Server) GetQueueStats(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Queue string `json:"queue"`
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	if req.Queue != "" {
		return encode(s.orch.GetQueueStats(req.Queue))
	}

	all := s.queue.AllStats()
	queues := make([]any, 0, len(all))
	for _, st := range all {
		queues = append(queues, st)
	}
	return encode(orchestrator.ToolResponse{Success: true, Data: map[string]any{"queues": queues}})
}

type enqueueIn struct {
	Queue    string         `json:"queue"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority"`
	Delay    string         `json:"delay"`
	Attempts int            `json:"attempts"`
}

// EnqueueJob submits a typed payload directly, bypassing intent routing.
// The payload is validated against the queue's payload type.
func (s *Server) EnqueueJob(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req enqueueIn
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	queue, ok := types.ParseQueueName(req.Queue)
	if !ok {
		return encode(failure(fmt.Errorf("unknown queue %q", req.Queue)))
	}
	typed, _ := types.NewPayload(queue)
	if err := types.DecodePayload(req.Payload, typed); err != nil {
		return encode(failure(err))
	}
	if err := s.validate.Struct(typed); err != nil {
		return encode(failure(fmt.Errorf("invalid %s payload: %w", queue, err)))
	}

	opts := types.JobOptions{Priority: req.Priority, Attempts: req.Attempts}
	if req.Delay != "" {
		d, err := time.ParseDuration(req.Delay)
		if err != nil || d < 0 {
			return encode(failure(fmt.Errorf("invalid delay %q", req.Delay)))
		}
		opts.Delay = d
	}

	handle, err := s.queue.Enqueue(queue, typed, opts)
	if err != nil {
		return encode(failure(err))
	}
	return encode(orchestrator.ToolResponse{Success: true, Data: map[string]any{
		"jobId":  string(handle.ID),
		"queue":  string(handle.Queue),
		"status": string(handle.Status),
		"runAt":  handle.RunAt.UTC().Format(time.RFC3339Nano),
	}})
}

func (s *Server) CleanQueue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		Queue  string `json:"queue"`
		MaxAge string `json:"max_age"`
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	queue, ok := types.ParseQueueName(req.Queue)
	if !ok {
		return encode(failure(fmt.Errorf("unknown queue %q", req.Queue)))
	}
	maxAge, err := time.ParseDuration(req.MaxAge)
	if err != nil || maxAge < 0 {
		return encode(failure(fmt.Errorf("invalid max_age %q", req.MaxAge)))
	}
	removed, err := s.queue.Clean(queue, maxAge)
	if err != nil {
		return encode(failure(err))
	}
	return encode(orchestrator.ToolResponse{Success: true, Data: map[string]any{"queue": req.Queue, "removed": removed}})
}

// GetFailedJobs lists dead letters, optionally for one user.
func (s *Server) GetFailedJobs(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req struct {
		UserID string `json:"user_id"`
		Limit  int    `json:"limit"`
	}
	if err := decode(in, &req); err != nil {
		return nil, err
	}
	return encode(s.orch.GetFailedJobs(req.UserID, req.Limit))
}

// logUnary logs each call with its duration.
func (s *Server) logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.log.Warn("RPC failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
		return resp, err
	}
	s.log.Debug("RPC handled", "method", info.FullMethod, "duration", time.Since(start))
	return resp, nil
}

// ============================================================================
// Struct <-> Go
// ============================================================================

func failure(err error) orchestrator.ToolResponse {
	return orchestrator.ToolResponse{Success: false, Error: err.Error()}
}

// decode maps a Struct onto a Go value through its JSON form.
func decode(in *structpb.Struct, out any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return status.Errorf(codes.InvalidArgument, "malformed request: %v", err)
	}
	return nil
}

// encode turns any JSON-serializable value into a Struct.
func encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

var _ DispatcherServer = (*Server)(nil)
