// Package distributed routes task executions to peer nodes over a message
// bus and correlates their results.
//
// Nodes broadcast their load periodically and on request. A distributed task
// is sent to the node chosen by the active Strategy; the receiver runs the
// body registered under the task's name and answers with a result frame.
// When nothing can be routed the task runs locally.
package distributed

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"taskforge/internal/runtime/supervisor"
	"taskforge/internal/task"
	logx "taskforge/pkg/logx"
)

var (
	// ErrRemoteTimeout is returned when no result arrives within ResultTimeout.
	ErrRemoteTimeout = errors.New("timed out awaiting remote result")
	// ErrNoRoute means a frame could not be sent; the task ran locally.
	ErrNoRoute = errors.New("no route to peer")
	// ErrStopped fails executions still waiting when the dispatcher stops.
	ErrStopped = errors.New("dispatcher stopped")
	// ErrNoHandler is reported by a receiver that has no body for the task name.
	ErrNoHandler = errors.New("no handler registered")
)

// RemoteError is a failure reported by the node that ran the task.
type RemoteError struct {
	Node    string
	TaskID  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote task %s failed on %s: %s", e.TaskID, e.Node, e.Message)
}

// Load is this node's self-reported load.
type Load struct {
	CPU     float64
	Memory  int64
	Clients int32
}

// RuntimeLoad approximates load from the Go runtime: goroutines per CPU and
// heap in use.
func RuntimeLoad() Load {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Load{
		CPU:    float64(runtime.NumGoroutine()) / float64(runtime.NumCPU()),
		Memory: int64(ms.HeapInuse),
	}
}

type Config struct {
	NodeID            string
	Channel           string
	Strategy          Strategy
	BroadcastInterval time.Duration
	StaleAfter        time.Duration
	ResultTimeout     time.Duration
	// PruneAfter drops peers silent for this long. 0 means 10x StaleAfter.
	PruneAfter time.Duration

	// Load reports this node's load. nil means RuntimeLoad.
	Load func() Load
	// Primary runs non-async bodies received from peers on the host's
	// primary context. nil runs them inline.
	Primary func(ctx context.Context, fn func()) error

	Logger logx.Logger
	Clock  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.Channel == "" {
		c.Channel = "taskforge:dispatch"
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 60 * time.Second
	}
	if c.ResultTimeout <= 0 {
		c.ResultTimeout = 60 * time.Second
	}
	if c.PruneAfter <= 0 {
		c.PruneAfter = 10 * c.StaleAfter
	}
	if c.Load == nil {
		c.Load = RuntimeLoad
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.Logger.IsZero() {
		c.Logger = logx.Nop()
	}
	return c
}

type pendingCall struct {
	msgID  int32
	target string
	done   chan error
}

// Stats are best-effort counters.
type Stats struct {
	Sent      uint64 `json:"sent"`
	Received  uint64 `json:"received"`
	RemoteOK  uint64 `json:"remote_ok"`
	RemoteErr uint64 `json:"remote_err"`
	Timeouts  uint64 `json:"timeouts"`
	Fallbacks uint64 `json:"fallbacks"`
	Served    uint64 `json:"served"`
	Malformed uint64 `json:"malformed"`
}

type Dispatcher struct {
	cfg Config
	bus Bus
	log logx.Logger
	reg *Registry

	strategy atomic.Int32
	rrCursor atomic.Uint64
	msgSeq   atomic.Int32

	mu      sync.Mutex
	pending map[string]*pendingCall

	hmu      sync.RWMutex
	handlers map[string]task.Body

	lifeMu sync.Mutex
	sup    *supervisor.Supervisor
	unsub  func()
	runCtx context.Context

	warnLimiter *rate.Limiter

	sent, received, remoteOK, remoteErr atomic.Uint64
	timeouts, fallbacks, served, bad    atomic.Uint64
}

func New(cfg Config, bus Bus) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:         cfg,
		bus:         bus,
		log:         cfg.Logger.With(logx.String("comp", "dispatcher"), logx.String("node", cfg.NodeID)),
		reg:         NewRegistry(cfg.StaleAfter),
		pending:     make(map[string]*pendingCall),
		handlers:    make(map[string]task.Body),
		warnLimiter: rate.NewLimiter(rate.Every(5*time.Second), 3),
	}
	d.strategy.Store(int32(cfg.Strategy))
	return d
}

func (d *Dispatcher) NodeID() string { return d.cfg.NodeID }

func (d *Dispatcher) Strategy() Strategy { return Strategy(d.strategy.Load()) }

// SetStrategy switches the selection strategy for subsequent executions.
func (d *Dispatcher) SetStrategy(s Strategy) {
	if old := Strategy(d.strategy.Swap(int32(s))); old != s {
		d.log.Info("distribution strategy changed", logx.String("from", old.String()), logx.String("to", s.String()))
	}
}

// Handle registers the body peers run for tasks named name.
func (d *Dispatcher) Handle(name string, body task.Body) {
	if name == "" || body == nil {
		return
	}
	d.hmu.Lock()
	d.handlers[name] = body
	d.hmu.Unlock()
}

func (d *Dispatcher) Unhandle(name string) {
	d.hmu.Lock()
	delete(d.handlers, name)
	d.hmu.Unlock()
}

func (d *Dispatcher) handler(name string) (task.Body, bool) {
	d.hmu.RLock()
	defer d.hmu.RUnlock()
	b, ok := d.handlers[name]
	return b, ok
}

// Peers returns every known peer, stale ones included.
func (d *Dispatcher) Peers() []ServerInfo { return d.reg.All() }

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Sent:      d.sent.Load(),
		Received:  d.received.Load(),
		RemoteOK:  d.remoteOK.Load(),
		RemoteErr: d.remoteErr.Load(),
		Timeouts:  d.timeouts.Load(),
		Fallbacks: d.fallbacks.Load(),
		Served:    d.served.Load(),
		Malformed: d.bad.Load(),
	}
}

// Start subscribes to the channel, asks peers for their load and starts the
// periodic load broadcast.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	if d.sup != nil {
		return nil
	}
	if d.bus == nil {
		return fmt.Errorf("%w: no bus configured", ErrNoRoute)
	}

	sup := supervisor.NewSupervisor(ctx, supervisor.WithLogger(d.log))
	unsub, err := d.bus.Subscribe(sup.Context(), d.cfg.Channel, d.onFrame)
	if err != nil {
		sup.Cancel()
		return fmt.Errorf("subscribe %s: %w", d.cfg.Channel, err)
	}
	d.sup, d.unsub, d.runCtx = sup, unsub, sup.Context()

	d.publish(sup.Context(), Message{Type: MsgLoadQuery, Source: d.cfg.NodeID})
	d.broadcastLoad(sup.Context())

	sup.GoRestart("dispatcher.broadcast", d.broadcastLoop)
	d.log.Info("dispatcher started",
		logx.String("channel", d.cfg.Channel),
		logx.String("strategy", d.Strategy().String()),
	)
	return nil
}

// Stop unsubscribes, stops background loops and fails every pending
// execution with ErrStopped.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.lifeMu.Lock()
	sup, unsub := d.sup, d.unsub
	d.sup, d.unsub, d.runCtx = nil, nil, nil
	d.lifeMu.Unlock()
	if sup == nil {
		return nil
	}
	if unsub != nil {
		unsub()
	}
	err := sup.Stop(ctx)

	d.mu.Lock()
	calls := d.pending
	d.pending = make(map[string]*pendingCall)
	d.mu.Unlock()
	for _, c := range calls {
		c.done <- ErrStopped
	}
	d.log.Info("dispatcher stopped", logx.Int("failed_pending", len(calls)))
	return err
}

func (d *Dispatcher) running() (context.Context, bool) {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.runCtx, d.runCtx != nil
}

func (d *Dispatcher) supervisor() *supervisor.Supervisor {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()
	return d.sup
}

// SelectTarget returns the node that would run t under the current strategy.
func (d *Dispatcher) SelectTarget(t *task.Task) string {
	peers := d.reg.Live(d.cfg.Clock())
	var cursor uint64
	s := d.Strategy()
	if s == RoundRobin {
		cursor = d.rrCursor.Add(1) - 1
	}
	var selfCPU float64
	if s == LoadBalanced && len(peers) > 0 {
		selfCPU = d.cfg.Load().CPU
	}
	return pick(s, d.cfg.NodeID, selfCPU, peers, t.ID(), cursor)
}

// Execute runs t on the selected node. local is used when the target is this
// node, when the dispatcher is not running, or when sending fails.
func (d *Dispatcher) Execute(ctx context.Context, t *task.Task, local task.Body) error {
	if _, ok := d.running(); !ok {
		return local(ctx)
	}
	target := d.SelectTarget(t)
	if target == d.cfg.NodeID {
		return local(ctx)
	}

	call := &pendingCall{msgID: d.msgSeq.Add(1), target: target, done: make(chan error, 1)}
	d.mu.Lock()
	if _, busy := d.pending[t.ID()]; busy {
		d.mu.Unlock()
		d.fallback(t, target, errors.New("execution already pending"))
		return local(ctx)
	}
	d.pending[t.ID()] = call
	d.mu.Unlock()

	err := d.send(ctx, Message{
		Type:   MsgTaskExecution,
		ID:     call.msgID,
		Target: target,
		Source: d.cfg.NodeID,
		TaskID: t.ID(),
		Name:   t.Name(),
		Async:  t.Async(),
	})
	if err != nil {
		d.dropPending(t.ID(), call)
		d.fallback(t, target, fmt.Errorf("%w: %w", ErrNoRoute, err))
		return local(ctx)
	}
	d.log.Debug("task sent to peer", logx.String("task", t.Name()), logx.String("target", target))

	timer := time.NewTimer(d.cfg.ResultTimeout)
	defer timer.Stop()
	select {
	case err := <-call.done:
		return err
	case <-timer.C:
		d.dropPending(t.ID(), call)
		d.timeouts.Add(1)
		return fmt.Errorf("%w: task %s on %s after %s", ErrRemoteTimeout, t.ID(), target, d.cfg.ResultTimeout)
	case <-ctx.Done():
		d.dropPending(t.ID(), call)
		return ctx.Err()
	}
}

func (d *Dispatcher) dropPending(taskID string, call *pendingCall) {
	d.mu.Lock()
	if d.pending[taskID] == call {
		delete(d.pending, taskID)
	}
	d.mu.Unlock()
}

func (d *Dispatcher) fallback(t *task.Task, target string, err error) {
	d.fallbacks.Add(1)
	d.warn("remote dispatch failed; running locally",
		logx.String("task", t.Name()), logx.String("target", target), logx.Err(err))
}

// warn logs at Warn level up to the limiter's budget, then at Debug.
func (d *Dispatcher) warn(msg string, fields ...logx.Field) {
	if d.warnLimiter.Allow() {
		d.log.Warn(msg, fields...)
		return
	}
	d.log.Debug(msg, fields...)
}

func (d *Dispatcher) send(ctx context.Context, m Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, d.cfg.Channel, b); err != nil {
		return err
	}
	d.sent.Add(1)
	return nil
}

// publish is send for frames whose failure is only worth a log line.
func (d *Dispatcher) publish(ctx context.Context, m Message) {
	if err := d.send(ctx, m); err != nil {
		d.warn("publish failed", logx.String("type", m.Type.String()), logx.Err(err))
	}
}

func (d *Dispatcher) broadcastLoad(ctx context.Context) {
	l := d.cfg.Load()
	d.publish(ctx, Message{Type: MsgServerLoad, Source: d.cfg.NodeID, CPU: l.CPU, Memory: l.Memory, Clients: l.Clients})
}

func (d *Dispatcher) broadcastLoop(ctx context.Context) error {
	t := time.NewTicker(d.cfg.BroadcastInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			d.broadcastLoad(ctx)
			if dead := d.reg.Prune(d.cfg.Clock(), d.cfg.PruneAfter); len(dead) > 0 {
				d.log.Info("pruned silent peers", logx.Any("peers", dead))
			}
		}
	}
}

func (d *Dispatcher) onFrame(payload []byte) {
	var m Message
	if err := m.UnmarshalBinary(payload); err != nil {
		d.bad.Add(1)
		d.warn("dropping malformed frame", logx.Err(err))
		return
	}
	if m.Source == d.cfg.NodeID {
		return
	}
	d.received.Add(1)

	switch m.Type {
	case MsgTaskExecution:
		if m.Target == d.cfg.NodeID {
			d.serve(m)
		}
	case MsgTaskResult:
		if m.Target == d.cfg.NodeID {
			d.resolve(m)
		}
	case MsgServerLoad:
		d.reg.Update(ServerInfo{ID: m.Source, CPU: m.CPU, Memory: m.Memory, Clients: m.Clients, LastUpdate: d.cfg.Clock()})
	case MsgLoadQuery:
		// Reply off the delivery goroutine; publishing from it can block on
		// our own subscription.
		if sup := d.supervisor(); sup != nil {
			sup.Go0("dispatcher.load_reply", d.broadcastLoad)
		}
	}
}

func (d *Dispatcher) resolve(m Message) {
	d.mu.Lock()
	call, ok := d.pending[m.TaskID]
	if ok && call.msgID == m.ID && call.target == m.Source {
		delete(d.pending, m.TaskID)
	} else {
		ok = false
	}
	d.mu.Unlock()
	if !ok {
		d.log.Debug("ignoring unmatched result", logx.String("task_id", m.TaskID), logx.String("from", m.Source))
		return
	}
	if m.Success {
		d.remoteOK.Add(1)
		call.done <- nil
		return
	}
	d.remoteErr.Add(1)
	msg := m.Error
	if msg == "" {
		msg = "unknown error"
	}
	call.done <- &RemoteError{Node: m.Source, TaskID: m.TaskID, Message: msg}
}

// serve runs a peer's request on its own goroutine and replies.
func (d *Dispatcher) serve(m Message) {
	sup := d.supervisor()
	if sup == nil {
		return
	}
	sup.Go0("dispatcher.serve", func(ctx context.Context) {
		err := d.runRequested(ctx, m)
		reply := Message{
			Type:    MsgTaskResult,
			ID:      m.ID,
			Target:  m.Source,
			Source:  d.cfg.NodeID,
			TaskID:  m.TaskID,
			Success: err == nil,
		}
		if err != nil {
			reply.Error = err.Error()
		}
		d.served.Add(1)
		d.publish(ctx, reply)
	})
}

func (d *Dispatcher) runRequested(ctx context.Context, m Message) (err error) {
	body, ok := d.handler(m.Name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoHandler, m.Name)
	}
	run := func() {
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("remote task panicked", logx.String("task", m.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		err = body(ctx)
	}
	if m.Async || d.cfg.Primary == nil {
		run()
		return err
	}
	if perr := d.cfg.Primary(ctx, run); perr != nil {
		return perr
	}
	return err
}
