package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"stereodsm/internal/errs"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	defaultPollTimeout      = 5 * time.Second
	defaultProvisionTimeout = 2 * time.Minute
	defaultHeartbeatTimeout = 30 * time.Second
)

// ClusterOptions configures the coordinator of the cluster backend.
type ClusterOptions struct {
	Listen           string
	Listener         net.Listener // used instead of Listen when set
	Workers          int
	ProvisionTimeout time.Duration
	PollTimeout      time.Duration
	HeartbeatTimeout time.Duration // a worker silent for longer is considered lost
	Walltime         time.Duration
	LaunchCommand    []string // {addr} is replaced by the coordinator address
}

// Cluster hands jobs to remote workers through a gRPC coordinator. Workers
// register, long-poll for jobs and report results. The allocation carries a
// walltime: once it elapses every outstanding job fails with
// errs.ErrBackendUnavailable. Jobs held by a worker that stops polling and
// heartbeating fail the same way.
type Cluster struct {
	opts    ClusterOptions
	log     *slog.Logger
	results chan Result

	mu          sync.Mutex
	exec        Executor
	queue       []Job
	outstanding map[Handle]Job
	assigned    map[Handle]string // job -> worker id holding it
	workers     map[string]string
	seen        map[string]time.Time
	polling     map[string]int
	wake        chan struct{}
	registered  chan struct{}
	draining    bool

	server   *grpc.Server
	listener net.Listener
	procs    []*exec.Cmd
	timer    *time.Timer
	done     chan struct{}
	stopOnce sync.Once
}

// NewCluster returns an unstarted cluster backend.
func NewCluster(opts ClusterOptions, logger *slog.Logger) *Cluster {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.ProvisionTimeout <= 0 {
		opts.ProvisionTimeout = defaultProvisionTimeout
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	return &Cluster{
		opts:        opts,
		log:         logger,
		results:     make(chan Result, 64),
		outstanding: make(map[Handle]Job),
		assigned:    make(map[Handle]string),
		workers:     make(map[string]string),
		seen:        make(map[string]time.Time),
		polling:     make(map[string]int),
		wake:        make(chan struct{}),
		registered:  make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

func (c *Cluster) Name() string { return "cluster" }

// Addr returns the coordinator address once started.
func (c *Cluster) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Start serves the coordinator, launches workers when a launch command is
// configured and waits until the requested number of workers registered.
func (c *Cluster) Start(ctx context.Context, ex Executor) error {
	c.mu.Lock()
	c.exec = ex
	c.mu.Unlock()

	lis := c.opts.Listener
	if lis == nil {
		var err error
		lis, err = net.Listen("tcp", c.opts.Listen)
		if err != nil {
			return fmt.Errorf("%w: listen %s: %v", errs.ErrBackendUnavailable, c.opts.Listen, err)
		}
	}
	c.listener = lis
	c.server = grpc.NewServer()
	c.server.RegisterService(&coordinatorServiceDesc, c)
	go func() {
		if err := c.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			c.log.Error("coordinator stopped serving", "error", err)
		}
	}()
	c.log.Info("coordinator listening", "addr", c.Addr(), "workers", c.opts.Workers, "walltime", c.opts.Walltime)

	if err := c.launch(ctx); err != nil {
		c.Shutdown()
		return err
	}
	if err := c.awaitWorkers(ctx); err != nil {
		c.Shutdown()
		return err
	}
	if c.opts.Walltime > 0 {
		c.timer = time.AfterFunc(c.opts.Walltime, c.expire)
	}
	go c.reap()
	return nil
}

func (c *Cluster) launch(ctx context.Context) error {
	if len(c.opts.LaunchCommand) == 0 {
		return nil
	}
	for i := 0; i < c.opts.Workers; i++ {
		args := make([]string, len(c.opts.LaunchCommand))
		for k, a := range c.opts.LaunchCommand {
			args[k] = strings.ReplaceAll(a, "{addr}", c.Addr())
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("%w: launch worker %d: %v", errs.ErrBackendUnavailable, i, err)
		}
		c.mu.Lock()
		c.procs = append(c.procs, cmd)
		c.mu.Unlock()
	}
	c.log.Info("workers launched", "count", len(c.procs), "command", c.opts.LaunchCommand[0])
	return nil
}

func (c *Cluster) awaitWorkers(ctx context.Context) error {
	if c.opts.Workers <= 0 {
		return nil
	}
	deadline := time.NewTimer(c.opts.ProvisionTimeout)
	defer deadline.Stop()
	for {
		c.mu.Lock()
		n := len(c.workers)
		c.mu.Unlock()
		if n >= c.opts.Workers {
			return nil
		}
		select {
		case <-c.registered:
		case <-deadline.C:
			return fmt.Errorf("%w: %d of %d workers registered within %s",
				errs.ErrBackendUnavailable, n, c.opts.Workers, c.opts.ProvisionTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Cluster) Submit(ctx context.Context, j Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining {
		return fmt.Errorf("%w: coordinator is draining", errs.ErrBackendUnavailable)
	}
	c.queue = append(c.queue, j)
	c.outstanding[j.Handle] = j
	c.notifyLocked()
	return nil
}

func (c *Cluster) Completions() <-chan Result { return c.results }

// Shutdown stops the coordinator and kills launched workers. Pending jobs are discarded.
func (c *Cluster) Shutdown() error {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.draining = true
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
		if c.timer != nil {
			c.timer.Stop()
		}
		if c.server != nil {
			c.server.Stop()
		}
		c.killWorkers()
	})
	return nil
}

func (c *Cluster) killWorkers() {
	c.mu.Lock()
	procs := c.procs
	c.procs = nil
	c.mu.Unlock()
	for _, cmd := range procs {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			go cmd.Wait()
		}
	}
}

// expire fails all outstanding work once the walltime elapsed.
func (c *Cluster) expire() {
	c.mu.Lock()
	c.draining = true
	lost := make([]Job, 0, len(c.outstanding))
	for _, j := range c.outstanding {
		lost = append(lost, j)
	}
	c.outstanding = make(map[Handle]Job)
	c.assigned = make(map[Handle]string)
	c.queue = nil
	c.notifyLocked()
	c.mu.Unlock()

	c.log.Error("cluster walltime exceeded", "walltime", c.opts.Walltime, "outstanding", len(lost))
	c.killWorkers()
	err := fmt.Errorf("%w: walltime %s exceeded", errs.ErrBackendUnavailable, c.opts.Walltime)
	for _, j := range lost {
		c.deliver(Result{Handle: j.Handle, Kind: j.Task.Kind, Index: j.Task.Index, Err: err})
	}
}

// reap drops workers that neither polled nor sent a heartbeat within the
// heartbeat timeout and fails the jobs they were holding.
func (c *Cluster) reap() {
	ticker := time.NewTicker(c.opts.HeartbeatTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.reapOnce(time.Now())
		case <-c.done:
			return
		}
	}
}

func (c *Cluster) reapOnce(now time.Time) {
	c.mu.Lock()
	var lostWorkers []string
	for id, last := range c.seen {
		if c.polling[id] == 0 && now.Sub(last) > c.opts.HeartbeatTimeout {
			lostWorkers = append(lostWorkers, id)
		}
	}
	var lost []Job
	for _, id := range lostWorkers {
		delete(c.workers, id)
		delete(c.seen, id)
		delete(c.polling, id)
		for h, owner := range c.assigned {
			if owner != id {
				continue
			}
			delete(c.assigned, h)
			if j, ok := c.outstanding[h]; ok {
				delete(c.outstanding, h)
				lost = append(lost, j)
			}
		}
	}
	c.mu.Unlock()

	for _, id := range lostWorkers {
		c.log.Warn("worker lost", "id", id, "heartbeat_timeout", c.opts.HeartbeatTimeout)
	}
	for _, j := range lost {
		err := fmt.Errorf("%w: worker holding task %s was lost", errs.ErrBackendUnavailable, j.Handle)
		c.deliver(Result{Handle: j.Handle, Kind: j.Task.Kind, Index: j.Task.Index, Err: err})
	}
}

func (c *Cluster) deliver(res Result) {
	select {
	case c.results <- res:
	case <-c.done:
	}
}

func (c *Cluster) notifyLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Register records a worker and returns its id.
func (c *Cluster) Register(ctx context.Context, name *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
	id := uuid.NewString()
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return nil, status.Error(codes.Unavailable, "coordinator is draining")
	}
	c.workers[id] = name.GetValue()
	c.seen[id] = time.Now()
	n := len(c.workers)
	c.mu.Unlock()
	select {
	case c.registered <- struct{}{}:
	default:
	}
	c.log.Info("worker registered", "worker", name.GetValue(), "id", id, "registered", n)
	return wrapperspb.String(id), nil
}

// Fetch long-polls for the next job. An empty reply means no work arrived
// within the poll timeout.
func (c *Cluster) Fetch(ctx context.Context, worker *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	id := worker.GetValue()
	c.mu.Lock()
	if _, ok := c.workers[id]; !ok {
		c.mu.Unlock()
		return nil, status.Error(codes.FailedPrecondition, "unknown worker")
	}
	c.polling[id]++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if _, ok := c.workers[id]; ok {
			c.polling[id]--
			c.seen[id] = time.Now()
		}
		c.mu.Unlock()
	}()

	timeout := time.NewTimer(c.opts.PollTimeout)
	defer timeout.Stop()
	for {
		c.mu.Lock()
		if c.draining {
			c.mu.Unlock()
			return nil, status.Error(codes.Unavailable, "coordinator is draining")
		}
		if _, ok := c.workers[id]; !ok {
			c.mu.Unlock()
			return nil, status.Error(codes.FailedPrecondition, "unknown worker")
		}
		if len(c.queue) > 0 {
			j := c.queue[0]
			c.queue = c.queue[1:]
			c.assigned[j.Handle] = id
			ex := c.exec
			c.mu.Unlock()
			data, err := json.Marshal(j)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			if ex != nil {
				ex.Started(j)
			}
			return wrapperspb.Bytes(data), nil
		}
		wake := c.wake
		c.mu.Unlock()

		select {
		case <-wake:
		case <-timeout.C:
			return wrapperspb.Bytes(nil), nil
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		case <-c.done:
			return nil, status.Error(codes.Unavailable, "coordinator stopped")
		}
	}
}

// Heartbeat keeps a worker busy with a long job from being considered lost.
func (c *Cluster) Heartbeat(ctx context.Context, worker *wrapperspb.StringValue) (*emptypb.Empty, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[worker.GetValue()]; !ok {
		return nil, status.Error(codes.FailedPrecondition, "unknown worker")
	}
	c.seen[worker.GetValue()] = time.Now()
	return &emptypb.Empty{}, nil
}

// Report receives the outcome of a job. Reports for jobs that are no longer
// outstanding are dropped.
func (c *Cluster) Report(ctx context.Context, in *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	var wr wireResult
	if err := json.Unmarshal(in.GetValue(), &wr); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	c.mu.Lock()
	_, ok := c.outstanding[wr.Handle]
	delete(c.outstanding, wr.Handle)
	if owner, held := c.assigned[wr.Handle]; held {
		if _, alive := c.workers[owner]; alive {
			c.seen[owner] = time.Now()
		}
		delete(c.assigned, wr.Handle)
	}
	c.mu.Unlock()
	if !ok {
		c.log.Debug("stale report dropped", "handle", wr.Handle)
		return &emptypb.Empty{}, nil
	}
	c.deliver(wr.result())
	return &emptypb.Empty{}, nil
}

type wireResult struct {
	Handle     Handle          `json:"handle"`
	Kind       string          `json:"kind"`
	Index      int             `json:"index"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMS int64           `json:"duration_ms"`
}

func (w wireResult) result() Result {
	res := Result{
		Handle:   w.Handle,
		Kind:     w.Kind,
		Index:    w.Index,
		Payload:  w.Payload,
		Duration: time.Duration(w.DurationMS) * time.Millisecond,
	}
	if w.Error != "" {
		res.Err = errors.New(w.Error)
	}
	return res
}

type coordinatorServer interface {
	Register(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Fetch(context.Context, *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	Heartbeat(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	Report(context.Context, *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

const coordinatorService = "stereodsm.Coordinator"

var coordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: coordinatorService,
	HandlerType: (*coordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Register", Handler: registerHandler},
		{MethodName: "Fetch", Handler: fetchHandler},
		{MethodName: "Heartbeat", Handler: heartbeatHandler},
		{MethodName: "Report", Handler: reportHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stereodsm/coordinator",
}

func registerHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Register(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + coordinatorService + "/Register"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Register(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + coordinatorService + "/Fetch"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Fetch(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func heartbeatHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Heartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + coordinatorService + "/Heartbeat"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Heartbeat(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func reportHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(coordinatorServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + coordinatorService + "/Report"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(coordinatorServer).Report(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
