package router

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/integration"
	"formbar/internal/membership"
	"formbar/internal/polls"
	"formbar/internal/websocket"
	"formbar/pkg/types"
)

type mockConnection struct {
	mu               sync.Mutex
	id               string
	principal        types.Principal
	classID          int64
	classPermissions int
	frames           []types.OutboundEvent
}

func (m *mockConnection) GetID() string                          { return m.id }
func (m *mockConnection) WriteJSON(v interface{}) error          { return m.Send(v) }
func (m *mockConnection) Close() error                           { return nil }
func (m *mockConnection) IsAuthenticated() bool                  { return true }
func (m *mockConnection) SetCredentials(p types.Principal) error { m.principal = p; return nil }
func (m *mockConnection) GetPrincipal() types.Principal          { return m.principal }
func (m *mockConnection) GetEmail() string                       { return m.principal.Email }
func (m *mockConnection) GetUserID() int64                       { return m.principal.UserID }
func (m *mockConnection) IsAPI() bool                            { return m.principal.API }

func (m *mockConnection) Send(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, v.(types.OutboundEvent))
	return nil
}

func (m *mockConnection) GetClassID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classID
}

func (m *mockConnection) GetClassPermissions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classPermissions
}

func (m *mockConnection) SetClassroom(classID int64, level int) {
	m.mu.Lock()
	m.classID = classID
	m.classPermissions = level
	m.mu.Unlock()
}

func (m *mockConnection) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, frame := range m.frames {
		if frame.Name == name {
			n++
		}
	}
	return n
}

type fixture struct {
	ctx        context.Context
	store      *integration.FaultyStore
	registry   *classroom.Registry
	members    *membership.Service
	router     *Router
	classID    int64
	owner      *types.UserSession
	ownerConn  *mockConnection
	subscriber *websocket.Registry
}

func newFixture(t *testing.T, limit int) *fixture {
	t.Helper()
	ctx := context.Background()
	store := integration.NewFaultyStore(integration.NewTestStore(t))
	registry := classroom.NewRegistry(store)
	subscribers := websocket.NewRegistry()
	broadcaster := broadcast.New(registry, subscribers)
	pollService := polls.New(store, registry, broadcaster, polls.DefaultRewards())
	members := membership.New(store, registry, broadcaster, pollService)

	principal := integration.SeedUser(t, store, "owner@school.test", types.TeacherPermissions)
	classID := integration.SeedClassroom(t, store, principal.UserID, "abcd")

	f := &fixture{
		ctx:        ctx,
		store:      store,
		registry:   registry,
		members:    members,
		router:     NewRouter(registry, broadcaster, members, pollService, NewRateLimiter(limit, time.Minute)),
		classID:    classID,
		subscriber: subscribers,
	}
	f.owner, f.ownerConn = f.connect(t, principal)
	_, err := members.JoinByCode(ctx, f.owner, "abcd")
	require.NoError(t, err)
	require.NoError(t, members.StartClass(ctx, classID, f.owner))
	return f
}

func (f *fixture) connect(t *testing.T, principal types.Principal) (*types.UserSession, *mockConnection) {
	t.Helper()
	user, err := f.registry.LoadUser(f.ctx, principal)
	require.NoError(t, err)
	principal.UserID = user.ID
	conn := &mockConnection{id: "conn-" + principal.Email, principal: principal}
	require.NoError(t, f.subscriber.RegisterConnection(conn))
	return user, conn
}

// member joins a registered user whose stored class level is level.
func (f *fixture) member(t *testing.T, name string, level int) (*types.UserSession, *mockConnection) {
	t.Helper()
	user, conn := f.connect(t, integration.SeedUser(t, f.store, name+"@school.test", types.StudentPermissions))
	require.NoError(t, f.store.InsertMembership(f.ctx, types.MembershipRecord{
		ClassID: f.classID, StudentID: user.ID, Permissions: level,
	}))
	_, err := f.members.JoinByCode(f.ctx, user, "abcd")
	require.NoError(t, err)
	return user, conn
}

func (f *fixture) send(conn *mockConnection, name string, data interface{}) error {
	event := &types.Event{Name: name}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		event.Data = raw
	}
	return f.router.Route(f.ctx, conn, event)
}

func (f *fixture) snapshot(t *testing.T, userID int64) types.Member {
	t.Helper()
	var member types.Member
	require.NoError(t, f.registry.WithLoadedClassroom(f.classID, func(c *types.Classroom) error {
		member = *c.Students[userID]
		return nil
	}))
	return member
}

func (f *fixture) startPoll(t *testing.T) {
	t.Helper()
	require.NoError(t, f.send(f.ownerConn, "startPoll", map[string]interface{}{
		"prompt":  "Ready?",
		"answers": []map[string]string{{"answer": "yes"}, {"answer": "no"}},
	}))
}

func TestRoute_UnknownEvent(t *testing.T) {
	f := newFixture(t, 0)
	assert.Equal(t, ErrUnknownEvent, f.send(f.ownerConn, "teleport", nil))
}

func TestRoute_RateLimit(t *testing.T) {
	f := newFixture(t, 2)
	require.NoError(t, f.send(f.ownerConn, "classUpdate", nil))
	require.NoError(t, f.send(f.ownerConn, "classUpdate", nil))
	assert.Equal(t, ErrRateLimitExceeded, f.send(f.ownerConn, "classUpdate", nil))

	f.router.Forget(f.ownerConn)
	assert.NoError(t, f.send(f.ownerConn, "classUpdate", nil))
}

func TestRoute_RequiresActiveClass(t *testing.T) {
	f := newFixture(t, 0)
	_, outsider := f.connect(t, integration.SeedUser(t, f.store, "out@school.test", types.StudentPermissions))

	assert.Equal(t, types.ErrNotInClass, f.send(outsider, "help", map[string]string{"reason": "hi"}))
	assert.NoError(t, f.send(outsider, "pollResp", map[string]string{"response": "yes"}), "poll responses never fail")
	assert.NoError(t, f.send(outsider, "customPollUpdate", nil))
}

func TestRoute_PollLifecycle(t *testing.T) {
	f := newFixture(t, 0)
	student, studentConn := f.member(t, "ada", types.StudentPermissions)
	guest, guestConn := f.member(t, "bob", types.GuestPermissions)

	assert.Equal(t, types.ErrNotAuthorized, f.send(studentConn, "startPoll", map[string]interface{}{"prompt": "mine"}))
	f.startPoll(t)

	require.NoError(t, f.send(studentConn, "pollResp", map[string]string{"response": "yes"}))
	assert.Equal(t, []string{"yes"}, f.snapshot(t, student.ID).PollRes.Buttons)

	require.NoError(t, f.send(guestConn, "pollResp", map[string]string{"response": "yes"}))
	assert.True(t, f.snapshot(t, guest.ID).PollRes.IsEmpty(), "guests cannot vote")

	require.NoError(t, f.send(studentConn, "pollResp", map[string]string{"response": "maybe"}))
	require.NoError(t, f.send(studentConn, "pollResp", nil))
	assert.Equal(t, []string{"yes"}, f.snapshot(t, student.ID).PollRes.Buttons)

	require.NoError(t, f.send(f.ownerConn, "updatePoll", map[string]interface{}{"name": "blind", "value": true}))
	err := f.send(f.ownerConn, "updatePoll", map[string]interface{}{"name": "colour", "value": "red"})
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	require.NoError(t, f.send(f.ownerConn, "endPoll", nil))
	require.NoError(t, f.send(f.ownerConn, "clearPoll", nil))
	history, err := f.store.ListPollHistory(f.ctx, f.classID, 0, 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestRoute_ClassUpdateAnswersSenderOnly(t *testing.T) {
	f := newFixture(t, 0)
	_, studentConn := f.member(t, "ada", types.StudentPermissions)
	before := f.ownerConn.count(types.EventClassUpdate)

	require.NoError(t, f.send(studentConn, "classUpdate", nil))
	assert.Equal(t, before, f.ownerConn.count(types.EventClassUpdate))
	assert.Equal(t, types.ErrNotAuthorized, f.send(studentConn, "cpUpdate", nil))

	_, modConn := f.member(t, "mod", types.ModPermissions)
	assert.NoError(t, f.send(modConn, "cpUpdate", nil))
}

func TestRoute_AdministrativeEvents(t *testing.T) {
	f := newFixture(t, 0)
	student, studentConn := f.member(t, "ada", types.StudentPermissions)

	assert.Equal(t, ErrInvalidPayload, f.send(f.ownerConn, "classKickUser", nil))
	err := f.send(f.ownerConn, "classKickUser", map[string]interface{}{"exitRoom": true})
	assert.Equal(t, types.KindValidation, types.KindOf(err))

	require.NoError(t, f.send(studentConn, "help", map[string]string{"reason": "stuck"}))
	assert.NotNil(t, f.snapshot(t, student.ID).Help)
	require.NoError(t, f.send(f.ownerConn, "deleteTicket", map[string]int64{"userId": student.ID}))
	assert.Nil(t, f.snapshot(t, student.ID).Help)

	require.NoError(t, f.send(f.ownerConn, "classPermChange", map[string]int64{"userId": student.ID, "level": types.ModPermissions}))
	assert.Equal(t, types.ModPermissions, f.snapshot(t, student.ID).ClassPermissions)

	require.NoError(t, f.send(f.ownerConn, "classKickUser", map[string]interface{}{"userId": student.ID}))
	assert.Zero(t, student.ActiveClass())
	assert.Equal(t, types.ErrNotInClass, f.send(studentConn, "help", map[string]string{"reason": "stuck"}))
}

func TestRateLimiter_Window(t *testing.T) {
	now := time.Unix(1700000000, 0)
	rl := NewRateLimiter(2, time.Minute)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c1"))
	assert.False(t, rl.Allow("c1"))
	assert.True(t, rl.Allow("c2"))

	now = now.Add(time.Minute)
	assert.True(t, rl.Allow("c1"))

	now = now.Add(10 * time.Minute)
	rl.Cleanup()
	assert.Empty(t, rl.clients)
}
