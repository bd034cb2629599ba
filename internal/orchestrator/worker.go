package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// heartbeatInterval paces the heartbeats a worker sends while a job runs.
var heartbeatInterval = 5 * time.Second

// RunWorker registers with the coordinator at addr and executes the jobs it
// hands out until ctx is cancelled or the coordinator goes away.
func RunWorker(ctx context.Context, addr string, reg *Registry, logger *slog.Logger, opts ...grpc.DialOption) error {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return fmt.Errorf("dial coordinator %s: %w", addr, err)
	}
	defer conn.Close()

	host, _ := os.Hostname()
	name := fmt.Sprintf("%s-%d", host, os.Getpid())
	id := new(wrapperspb.StringValue)
	if err := conn.Invoke(ctx, "/"+coordinatorService+"/Register", wrapperspb.String(name), id, grpc.WaitForReady(true)); err != nil {
		return fmt.Errorf("register with %s: %w", addr, err)
	}
	logger.Info("worker registered", "coordinator", addr, "id", id.GetValue(), "kinds", reg.Kinds())

	for {
		if ctx.Err() != nil {
			return nil
		}
		reply := new(wrapperspb.BytesValue)
		if err := conn.Invoke(ctx, "/"+coordinatorService+"/Fetch", id, reply); err != nil {
			if ctx.Err() != nil || isGone(err) {
				logger.Info("worker leaving", "reason", err)
				return nil
			}
			return fmt.Errorf("fetch: %w", err)
		}
		if len(reply.GetValue()) == 0 {
			continue
		}
		var j Job
		if err := json.Unmarshal(reply.GetValue(), &j); err != nil {
			return fmt.Errorf("decode job: %w", err)
		}

		start := time.Now()
		beat := make(chan struct{})
		go heartbeat(ctx, conn, id, beat, logger)
		payload, execErr := reg.Execute(ctx, j.Task)
		close(beat)
		wr := wireResult{
			Handle:     j.Handle,
			Kind:       j.Task.Kind,
			Index:      j.Task.Index,
			Payload:    payload,
			DurationMS: time.Since(start).Milliseconds(),
		}
		if execErr != nil {
			wr.Error = execErr.Error()
			logger.Warn("job failed", "handle", j.Handle, "kind", j.Task.Kind, "error", execErr)
		}
		data, err := json.Marshal(wr)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		if err := conn.Invoke(ctx, "/"+coordinatorService+"/Report", wrapperspb.Bytes(data), new(emptypb.Empty)); err != nil {
			if ctx.Err() != nil || isGone(err) {
				return nil
			}
			return fmt.Errorf("report: %w", err)
		}
	}
}

func heartbeat(ctx context.Context, conn *grpc.ClientConn, id *wrapperspb.StringValue, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Invoke(ctx, "/"+coordinatorService+"/Heartbeat", id, new(emptypb.Empty)); err != nil {
				logger.Debug("heartbeat failed", "id", id.GetValue(), "error", err)
			}
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func isGone(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.FailedPrecondition, codes.Canceled:
		return true
	}
	return false
}
