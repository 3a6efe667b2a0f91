package server

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/forge-dispatch/internal/orchestrator"
)

// Client calls a remote dispatcher.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial connects to addr without TLS.
func Dial(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes a connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) ProcessRequest(ctx context.Context, req orchestrator.Request) (orchestrator.ToolResponse, error) {
	history := make([]any, len(req.History))
	for i, h := range req.History {
		history[i] = h
	}
	return c.call(ctx, MethodProcessRequest, map[string]any{
		"text":       req.Text,
		"user_id":    req.UserID,
		"project_id": req.ProjectID,
		"history":    history,
	})
}

func (c *Client) GetJobStatus(ctx context.Context, queue, jobID string) (orchestrator.ToolResponse, error) {
	return c.call(ctx, MethodGetJobStatus, map[string]any{"queue": queue, "job_id": jobID})
}

func (c *Client) CancelJob(ctx context.Context, queue, jobID string) (orchestrator.ToolResponse, error) {
	return c.call(ctx, MethodCancelJob, map[string]any{"queue": queue, "job_id": jobID})
}

// GetQueueStats returns one queue, or every queue when queue is empty.
func (c *Client) GetQueueStats(ctx context.Context, queue string) (orchestrator.ToolResponse, error) {
	return c.call(ctx, MethodGetQueueStats, map[string]any{"queue": queue})
}

// EnqueueSpec is one direct submission.
type EnqueueSpec struct {
	Queue    string         `json:"queue"`
	Payload  map[string]any `json:"payload"`
	Priority int            `json:"priority,omitempty"`
	Delay    string         `json:"delay,omitempty"`
	Attempts int            `json:"attempts,omitempty"`
}

func (c *Client) EnqueueJob(ctx context.Context, spec EnqueueSpec) (orchestrator.ToolResponse, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return orchestrator.ToolResponse{}, err
	}
	in := map[string]any{}
	if err := json.Unmarshal(raw, &in); err != nil {
		return orchestrator.ToolResponse{}, err
	}
	return c.call(ctx, MethodEnqueueJob, in)
}

func (c *Client) CleanQueue(ctx context.Context, queue, maxAge string) (orchestrator.ToolResponse, error) {
	return c.call(ctx, MethodCleanQueue, map[string]any{"queue": queue, "max_age": maxAge})
}

// GetFailedJobs lists dead letters; an empty userID lists every user.
func (c *Client) GetFailedJobs(ctx context.Context, userID string, limit int) (orchestrator.ToolResponse, error) {
	return c.call(ctx, MethodGetFailedJobs, map[string]any{"user_id": userID, "limit": limit})
}

func (c *Client) call(ctx context.Context, method string, in map[string]any) (orchestrator.ToolResponse, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return orchestrator.ToolResponse{}, fmt.Errorf("encode request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out); err != nil {
		return orchestrator.ToolResponse{}, err
	}

	raw, err := protojson.Marshal(out)
	if err != nil {
		return orchestrator.ToolResponse{}, fmt.Errorf("decode response: %w", err)
	}
	var resp orchestrator.ToolResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return orchestrator.ToolResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}
