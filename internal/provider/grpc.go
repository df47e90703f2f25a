package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"time"

	"github.com/agentctl/runctl/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"
)

var (
	errConnectionShutdown       = errors.New("provider: connection shutdown")
	errConnectionStateUnchanged = errors.New("provider: connection state did not change")
)

const dispatchMethod = "/runctl.provider.v1.ProviderService/Dispatch"

// GRPCAdapter dispatches runs to an out-of-process provider runtime over a
// gRPC stream, following the same connect-then-wait-for-ready idiom the
// agent service's own client used.
type GRPCAdapter struct {
	conn    *grpc.ClientConn
	name    domain.Provider
	caps    Capabilities
	timeout time.Duration
}

// GRPCAdapterConfig configures a GRPCAdapter.
type GRPCAdapterConfig struct {
	Provider         domain.Provider
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	Capabilities     Capabilities
}

// NewGRPCAdapter dials cfg.Address and blocks until the connection is ready
// or cfg.ConnectTimeout elapses, so a misconfigured provider fails fast at
// startup rather than on the first dispatched run.
func NewGRPCAdapter(cfg GRPCAdapterConfig) (*GRPCAdapter, error) {
	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}

	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to provider %s at %s: %w", cfg.Provider, cfg.Address, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(ctx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to close provider gRPC connection after readiness failure", "provider", cfg.Provider, "error", closeErr)
		}
		return nil, fmt.Errorf("provider %s at %s not ready: %w", cfg.Provider, cfg.Address, err)
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GRPCAdapter{conn: conn, name: cfg.Provider, caps: cfg.Capabilities, timeout: timeout}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}
		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Provider returns the adapter's registered provider identity.
func (a *GRPCAdapter) Provider() domain.Provider { return a.name }

// Capabilities returns the negotiated (configured) feature set.
func (a *GRPCAdapter) Capabilities() Capabilities { return a.caps }

// Dispatch opens a bidirectional stream, sends item's payload as the first
// frame, and yields each subsequent frame decoded into a Chunk.
func (a *GRPCAdapter) Dispatch(ctx context.Context, item *domain.RunQueueItem) iter.Seq2[Chunk, error] {
	return func(yield func(Chunk, error) bool) {
		stream, err := a.conn.NewStream(ctx, &grpc.StreamDesc{
			StreamName:    "Dispatch",
			ServerStreams: true,
			ClientStreams: true,
		}, dispatchMethod)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("open dispatch stream: %w", err))
			return
		}

		req, err := dispatchRequest(item)
		if err != nil {
			yield(Chunk{}, fmt.Errorf("build dispatch request: %w", err))
			return
		}
		if err := stream.SendMsg(req); err != nil {
			yield(Chunk{}, fmt.Errorf("send dispatch request: %w", err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			yield(Chunk{}, fmt.Errorf("close dispatch send side: %w", err))
			return
		}

		for {
			frame := &structpb.Struct{}
			if err := stream.RecvMsg(frame); errors.Is(err, io.EOF) {
				return
			} else if err != nil {
				yield(Chunk{}, fmt.Errorf("dispatch stream recv: %w", err))
				return
			}
			chunk, err := decodeChunk(frame)
			if err != nil {
				yield(Chunk{}, fmt.Errorf("decode dispatch chunk: %w", err))
				return
			}
			if !yield(chunk, nil) {
				return
			}
			if chunk.Kind == ChunkDone {
				return
			}
		}
	}
}

// ReplyHumanLoop sends a resolved answer back to the provider over a
// one-shot unary call so a paused run can resume.
func (a *GRPCAdapter) ReplyHumanLoop(ctx context.Context, runID, questionID, answer string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{
		"runId":      runID,
		"questionId": questionID,
		"answer":     answer,
	})
	if err != nil {
		return fmt.Errorf("build human loop reply: %w", err)
	}
	reply := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, "/runctl.provider.v1.ProviderService/ReplyHumanLoop", req, reply); err != nil {
		return fmt.Errorf("reply human loop: %w", err)
	}
	return nil
}

// Cancel requests the provider stop processing runID.
func (a *GRPCAdapter) Cancel(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"runId": runID})
	if err != nil {
		return fmt.Errorf("build cancel request: %w", err)
	}
	reply := &structpb.Struct{}
	if err := a.conn.Invoke(ctx, "/runctl.provider.v1.ProviderService/Cancel", req, reply); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	return nil
}

// Close closes the underlying gRPC connection.
func (a *GRPCAdapter) Close() error {
	if a.conn == nil {
		return nil
	}
	return a.conn.Close()
}

func dispatchRequest(item *domain.RunQueueItem) (*structpb.Struct, error) {
	var payload any
	if len(item.Payload) > 0 {
		if err := json.Unmarshal(item.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal run payload: %w", err)
		}
	}
	return structpb.NewStruct(map[string]any{
		"runId":     item.RunID,
		"sessionId": item.SessionID,
		"attempt":   item.Attempts,
		"payload":   payload,
	})
}

func decodeChunk(s *structpb.Struct) (Chunk, error) {
	fields := s.AsMap()
	kind, _ := fields["kind"].(string)
	c := Chunk{Kind: ChunkKind(kind)}
	if v, ok := fields["text"].(string); ok {
		c.Text = v
	}
	if v, ok := fields["todoId"].(string); ok {
		c.TodoID = v
	}
	if v, ok := fields["todoStatus"].(string); ok {
		c.TodoStatus = v
	}
	if v, ok := fields["todoContent"].(string); ok {
		c.TodoContent = v
	}
	if v, ok := fields["prompt"].(string); ok {
		c.Prompt = v
	}
	if v, ok := fields["questionId"].(string); ok {
		c.QuestionID = v
	}
	if v, ok := fields["message"].(string); ok {
		c.Message = v
	}
	if v, ok := fields["metadata"].(map[string]any); ok {
		c.Metadata = v
	}
	if v, ok := fields["inputTokens"].(float64); ok {
		c.InputTokens = int64(v)
	}
	if v, ok := fields["outputTokens"].(float64); ok {
		c.OutputTokens = int64(v)
	}
	return c, nil
}
