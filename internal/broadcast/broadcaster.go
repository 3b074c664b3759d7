// Package broadcast pushes permission-filtered classroom state to live
// connections.
package broadcast

import (
	"github.com/labstack/gommon/log"

	"formbar/internal/classroom"
	"formbar/internal/metrics"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// Subscribers is the per-classroom connection index. websocket.Registry
// implements it.
type Subscribers interface {
	ClassConnections(classID int64) []interfaces.Connection
	UserConnections(email string) []interfaces.Connection
	SetClass(email string, classID int64, classPermissions int)
	SetClassPermissions(email string, classID int64, classPermissions int)
	ClearClass(email string, classID int64)
}

// Filter selects recipients of Emit. Zero values select everyone.
type Filter struct {
	MinClassLevel  int
	MaxClassLevel  int // 0 means no ceiling
	MinGlobalLevel int
	Email          string
	APIOnly        bool
}

// Match reports whether conn passes the filter. Levels are read from the
// connection's denormalized class level, refreshed on every permission change.
func (f Filter) Match(conn interfaces.Connection) bool {
	level := conn.GetClassPermissions()
	if level < f.MinClassLevel {
		return false
	}
	if f.MaxClassLevel > 0 && level > f.MaxClassLevel {
		return false
	}
	if f.MinGlobalLevel > 0 && conn.GetPrincipal().Permissions < f.MinGlobalLevel {
		return false
	}
	if f.Email != "" && conn.GetEmail() != f.Email {
		return false
	}
	if f.APIOnly && !conn.IsAPI() {
		return false
	}
	return true
}

// Broadcaster computes projections and delivers frames. Every method sends
// without blocking: a slow client misses frames and resyncs on its next
// full update.
type Broadcaster struct {
	registry    *classroom.Registry
	subscribers Subscribers
}

// New creates a broadcaster over the classroom registry and subscriber index.
func New(registry *classroom.Registry, subscribers Subscribers) *Broadcaster {
	return &Broadcaster{registry: registry, subscribers: subscribers}
}

// ClassUpdate recomputes the poll counters of c and sends every subscriber
// the projection matching their live class level. Must be called with the
// classroom lock held, which keeps per-classroom frames in order.
func (b *Broadcaster) ClassUpdate(c *types.Classroom) {
	b.registry.ResponseInformation(c)

	var full *ClassView
	personal := make(map[int64]*ClassView)
	for _, conn := range b.subscribers.ClassConnections(c.ID) {
		user, ok := b.registry.User(conn.GetEmail())
		if !ok || classroom.ClassLevel(c, user.ID) < 0 {
			continue
		}

		var view *ClassView
		if classroom.HasControlPanel(c, user.ID) {
			if full == nil {
				v := ControlPanelView(c, b.registry)
				full = &v
			}
			view = full
		} else {
			if personal[user.ID] == nil {
				v := PersonalView(c, user.ID)
				personal[user.ID] = &v
			}
			view = personal[user.ID]
		}
		b.send(conn, types.EventClassUpdate, view)
	}
}

// ClassUpdateFor sends user's projection of c to that user's connections
// subscribed to c. Must be called with the classroom lock held.
func (b *Broadcaster) ClassUpdateFor(c *types.Classroom, user *types.UserSession) {
	if classroom.ClassLevel(c, user.ID) < 0 {
		return
	}
	b.registry.ResponseInformation(c)
	view := ViewFor(c, user.ID, b.registry)
	for _, conn := range b.subscribers.UserConnections(user.Email) {
		if conn.GetClassID() == c.ID {
			b.send(conn, types.EventClassUpdate, view)
		}
	}
}

// View returns user's projection of c with fresh counters. Must be called
// with the classroom lock held.
func (b *Broadcaster) View(c *types.Classroom, userID int64) ClassView {
	b.registry.ResponseInformation(c)
	return ViewFor(c, userID, b.registry)
}

// Emit sends event to the subscribers of classID that pass filter and
// returns how many frames were queued.
func (b *Broadcaster) Emit(classID int64, event string, data interface{}, filter Filter) int {
	delivered := 0
	for _, conn := range b.subscribers.ClassConnections(classID) {
		if filter.Match(conn) && b.send(conn, event, data) {
			delivered++
		}
	}
	return delivered
}

// Sound emits a sound event. Only API connections (display boards, bots)
// play sounds.
func (b *Broadcaster) Sound(classID int64, event string) {
	b.Emit(classID, event, struct{}{}, Filter{APIOnly: true})
}

// EmitToUser sends event to every connection of email, whatever classroom
// they are subscribed to.
func (b *Broadcaster) EmitToUser(email, event string, data interface{}) int {
	delivered := 0
	for _, conn := range b.subscribers.UserConnections(email) {
		if b.send(conn, event, data) {
			delivered++
		}
	}
	return delivered
}

// SetClass subscribes every connection of email to classID at level and
// tells the clients which class they are in.
func (b *Broadcaster) SetClass(email string, classID int64, level int) {
	b.subscribers.SetClass(email, classID, level)
	b.EmitToUser(email, types.EventSetClass, classID)
}

// SetClassPermissions refreshes the denormalized level of email's connections.
func (b *Broadcaster) SetClassPermissions(email string, classID int64, level int) {
	b.subscribers.SetClassPermissions(email, classID, level)
}

// Detach unsubscribes email's connections from classID.
func (b *Broadcaster) Detach(email string, classID int64) {
	b.subscribers.ClearClass(email, classID)
}

// Reload forces every client of email to refetch its state.
func (b *Broadcaster) Reload(email string) {
	b.EmitToUser(email, types.EventReload, nil)
}

func (b *Broadcaster) send(conn interfaces.Connection, event string, data interface{}) bool {
	if err := conn.Send(types.OutboundEvent{Name: event, Data: data}); err != nil {
		metrics.FramesDropped.WithLabelValues(event).Inc()
		log.Debugf("frame dropped: conn=%s event=%s: %v", conn.GetID(), event, err)
		return false
	}
	metrics.FramesSent.WithLabelValues(event).Inc()
	return true
}
