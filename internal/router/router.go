// Package router dispatches inbound socket events to the classroom services.
package router

import (
	"context"
	"encoding/json"

	"github.com/labstack/gommon/log"

	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/membership"
	"formbar/internal/metrics"
	"formbar/internal/polls"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// request is one event being handled, with its sender resolved.
type request struct {
	conn    interfaces.Connection
	user    *types.UserSession
	classID int64
	event   *types.Event
}

// decode unmarshals the event payload into v and validates it.
func (r *request) decode(v interface{}) error {
	if len(r.event.Data) == 0 {
		return ErrInvalidPayload
	}
	if err := json.Unmarshal(r.event.Data, v); err != nil {
		return ErrInvalidPayload
	}
	return types.ValidateStruct(v)
}

type handlerFunc func(ctx context.Context, req *request) error

type route struct {
	handle handlerFunc
	// needsClass rejects the event when the sender has no active classroom.
	needsClass bool
}

// Router resolves the sender of each event, applies the rate limit and the
// fixed socket levels, then calls the matching service operation.
// Capability checks for administrative events happen in the services.
type Router struct {
	registry    *classroom.Registry
	broadcaster *broadcast.Broadcaster
	membership  *membership.Service
	polls       *polls.Service
	limiter     *RateLimiter
	routes      map[string]route
}

// NewRouter creates a router over the services.
func NewRouter(registry *classroom.Registry, broadcaster *broadcast.Broadcaster, members *membership.Service, pollService *polls.Service, limiter *RateLimiter) *Router {
	if limiter == nil {
		limiter = NewRateLimiter(DefaultRateLimit, 0)
	}
	r := &Router{
		registry:    registry,
		broadcaster: broadcaster,
		membership:  members,
		polls:       pollService,
		limiter:     limiter,
	}
	r.routes = r.table()
	return r
}

// Route handles one inbound event from conn.
func (r *Router) Route(ctx context.Context, conn interfaces.Connection, event *types.Event) error {
	if !r.limiter.Allow(conn.GetID()) {
		metrics.SocketEvents.WithLabelValues(event.Name, metrics.ResultLimited).Inc()
		return ErrRateLimitExceeded
	}
	rt, ok := r.routes[event.Name]
	if !ok {
		metrics.SocketEvents.WithLabelValues("unknown", metrics.ResultRejected).Inc()
		return ErrUnknownEvent
	}

	err := r.dispatch(ctx, conn, event, rt)
	result := metrics.ResultOK
	if err != nil {
		result = metrics.ResultError
		if types.KindOf(err) != types.KindInternal {
			result = metrics.ResultRejected
		}
	}
	metrics.SocketEvents.WithLabelValues(event.Name, result).Inc()
	return err
}

func (r *Router) dispatch(ctx context.Context, conn interfaces.Connection, event *types.Event, rt route) error {
	user, err := r.registry.LoadUser(ctx, conn.GetPrincipal())
	if err != nil {
		return err
	}
	req := &request{conn: conn, user: user, classID: user.ActiveClass(), event: event}

	if rt.needsClass && req.classID == 0 {
		if event.Name == "pollResp" {
			return nil
		}
		return types.ErrNotInClass
	}
	if level, ok := types.SocketEventPermissions[event.Name]; ok {
		if err := r.requireLevel(req, level); err != nil {
			if event.Name == "pollResp" {
				log.Debugf("poll response dropped: user=%d: %v", user.ID, err)
				return nil
			}
			return err
		}
	}
	return rt.handle(ctx, req)
}

// requireLevel checks the fixed class level of a member-facing event.
func (r *Router) requireLevel(req *request, level int) error {
	return r.registry.WithLoadedClassroom(req.classID, func(c *types.Classroom) error {
		return classroom.RequireLevel(c, req.user.ID, level)
	})
}

// Forget releases the per-connection state of a closed connection.
func (r *Router) Forget(conn interfaces.Connection) {
	r.limiter.Forget(conn.GetID())
}
