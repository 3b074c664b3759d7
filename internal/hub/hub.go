// Package hub serializes inbound socket work per connection. Events and
// lifecycle notifications of one connection always run in order on the same
// worker; different connections proceed in parallel.
package hub

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/labstack/gommon/log"

	"formbar/internal/logging"
	"formbar/internal/metrics"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// DefaultWorkers and DefaultQueueSize are used when Options leave them zero.
const (
	DefaultWorkers   = 8
	DefaultQueueSize = 1000
)

// EventRouter handles one inbound event.
type EventRouter interface {
	Route(ctx context.Context, conn interfaces.Connection, event *types.Event) error
	Forget(conn interfaces.Connection)
}

// Lifecycle is told when connections open and when a user's connections close.
type Lifecycle interface {
	Connected(ctx context.Context, conn interfaces.Connection) error
	Disconnected(ctx context.Context, principal types.Principal, remaining int)
}

// Subscribers is the connection index the hub registers into.
type Subscribers interface {
	RegisterConnection(conn interfaces.Connection) error
	UnregisterConnection(conn interfaces.Connection) int
	IsConnected(email string) bool
}

// Options size the worker pool.
type Options struct {
	Workers   int
	QueueSize int
}

type taskKind int

const (
	taskEvent taskKind = iota
	taskConnected
	taskDisconnected
)

type task struct {
	kind      taskKind
	conn      interfaces.Connection
	event     *types.Event
	remaining int
}

// Hub implements websocket.Dispatcher.
type Hub struct {
	subscribers Subscribers
	router      EventRouter
	lifecycle   Lifecycle
	opts        Options

	mu      sync.RWMutex
	running bool
	ctx     context.Context
	queues  []chan task
	wg      sync.WaitGroup
}

// NewHub creates a stopped hub.
func NewHub(subscribers Subscribers, router EventRouter, lifecycle Lifecycle, opts Options) *Hub {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Hub{
		subscribers: subscribers,
		router:      router,
		lifecycle:   lifecycle,
		opts:        opts,
	}
}

// Start launches the workers. They stop when ctx is cancelled or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.ctx = ctx
	h.queues = make([]chan task, h.opts.Workers)
	for i := range h.queues {
		h.queues[i] = make(chan task, h.opts.QueueSize)
		h.wg.Add(1)
		go h.worker(h.queues[i])
	}
	log.Infof("hub started: workers=%d queue=%d", h.opts.Workers, h.opts.QueueSize)
	return nil
}

// Stop closes the queues and waits for the workers to drain them.
func (h *Hub) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return ErrHubNotRunning
	}
	h.running = false
	for _, queue := range h.queues {
		close(queue)
	}
	h.mu.Unlock()

	h.wg.Wait()
	log.Infof("hub stopped")
	return nil
}

// RegisterConnection indexes conn and schedules its Connected notification.
func (h *Hub) RegisterConnection(conn interfaces.Connection) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	if err := h.subscribers.RegisterConnection(conn); err != nil {
		return err
	}
	metrics.Connections.Inc()
	log.Infof("connection registered: id=%s user=%s api=%t", conn.GetID(), conn.GetEmail(), conn.IsAPI())
	return h.enqueue(task{kind: taskConnected, conn: conn})
}

// UnregisterConnection removes conn and schedules the Disconnected notification.
func (h *Hub) UnregisterConnection(conn interfaces.Connection) error {
	remaining := h.subscribers.UnregisterConnection(conn)
	metrics.Connections.Dec()
	log.Infof("connection deregistered: id=%s user=%s remaining=%d", conn.GetID(), conn.GetEmail(), remaining)
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	return h.enqueue(task{kind: taskDisconnected, conn: conn, remaining: remaining})
}

// HandleEvent queues event for conn's worker. A full queue drops the event
// and tells the sender.
func (h *Hub) HandleEvent(conn interfaces.Connection, event *types.Event) error {
	if !h.isRunning() {
		return ErrHubNotRunning
	}
	err := h.enqueue(task{kind: taskEvent, conn: conn, event: event})
	if err != nil {
		h.sendError(conn, event.Name, types.Conflict("server_busy", "the server is busy, try again"))
	}
	return err
}

func (h *Hub) isRunning() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.running
}

func (h *Hub) enqueue(t task) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.running {
		return ErrHubNotRunning
	}
	select {
	case h.queues[shard(t.conn.GetID(), len(h.queues))] <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

func shard(id string, n int) int {
	hash := fnv.New32a()
	_, _ = hash.Write([]byte(id))
	return int(hash.Sum32() % uint32(n))
}

func (h *Hub) worker(queue <-chan task) {
	defer h.wg.Done()
	for {
		select {
		case t, ok := <-queue:
			if !ok {
				return
			}
			h.process(t)
		case <-h.ctx.Done():
			return
		}
	}
}

func (h *Hub) process(t task) {
	switch t.kind {
	case taskConnected:
		if err := h.lifecycle.Connected(h.ctx, t.conn); err != nil {
			log.Warnf("connection setup failed: id=%s user=%s: %v", t.conn.GetID(), t.conn.GetEmail(), err)
		}
	case taskDisconnected:
		h.router.Forget(t.conn)
		// A reconnect may have raced the close.
		if t.remaining == 0 && h.subscribers.IsConnected(t.conn.GetEmail()) {
			return
		}
		h.lifecycle.Disconnected(h.ctx, t.conn.GetPrincipal(), t.remaining)
	case taskEvent:
		h.handleEvent(t.conn, t.event)
	}
}

func (h *Hub) handleEvent(conn interfaces.Connection, event *types.Event) {
	err := h.router.Route(h.ctx, conn, event)
	if err == nil {
		log.Debugf("event handled: id=%s event=%s user=%s", event.ID, event.Name, conn.GetEmail())
		return
	}
	if types.KindOf(err) == types.KindInternal {
		logging.Report(err, map[string]interface{}{"event": event.Name, "user": conn.GetEmail()})
	} else {
		log.Debugf("event rejected: id=%s event=%s user=%s: %v", event.ID, event.Name, conn.GetEmail(), err)
	}
	h.sendError(conn, event.Name, err)
}

// sendError tells the sender, and only the sender, why its event failed.
func (h *Hub) sendError(conn interfaces.Connection, event string, err error) {
	appErr := types.AsAppError(err)
	payload := types.ErrorPayload{Event: event, Reason: appErr.Reason, Message: appErr.Message}
	if sendErr := conn.Send(types.OutboundEvent{Name: types.EventMessage, Data: payload}); sendErr != nil {
		log.Debugf("error frame not delivered: id=%s: %v", conn.GetID(), sendErr)
	}
}
