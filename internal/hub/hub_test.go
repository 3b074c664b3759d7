package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbar/internal/websocket"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

type mockConnection struct {
	mu        sync.Mutex
	id        string
	principal types.Principal
	classID   int64
	frames    []types.OutboundEvent
}

func (m *mockConnection) GetID() string                          { return m.id }
func (m *mockConnection) WriteJSON(v interface{}) error          { return m.Send(v) }
func (m *mockConnection) Close() error                           { return nil }
func (m *mockConnection) IsAuthenticated() bool                  { return true }
func (m *mockConnection) SetCredentials(p types.Principal) error { m.principal = p; return nil }
func (m *mockConnection) GetPrincipal() types.Principal          { return m.principal }
func (m *mockConnection) GetEmail() string                       { return m.principal.Email }
func (m *mockConnection) GetUserID() int64                       { return m.principal.UserID }
func (m *mockConnection) IsAPI() bool                            { return false }
func (m *mockConnection) GetClassPermissions() int               { return 0 }

func (m *mockConnection) GetClassID() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classID
}

func (m *mockConnection) SetClassroom(classID int64, level int) {
	m.mu.Lock()
	m.classID = classID
	m.mu.Unlock()
}

func (m *mockConnection) Send(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, v.(types.OutboundEvent))
	return nil
}

func (m *mockConnection) messages() []types.ErrorPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.ErrorPayload
	for _, frame := range m.frames {
		if frame.Name == types.EventMessage {
			out = append(out, frame.Data.(types.ErrorPayload))
		}
	}
	return out
}

type mockRouter struct {
	mu      sync.Mutex
	handled []string
	fail    map[string]error
	block   chan struct{}
	forgot  []string
}

func (r *mockRouter) Route(ctx context.Context, conn interfaces.Connection, event *types.Event) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, event.Name)
	return r.fail[event.Name]
}

func (r *mockRouter) Forget(conn interfaces.Connection) {
	r.mu.Lock()
	r.forgot = append(r.forgot, conn.GetID())
	r.mu.Unlock()
}

func (r *mockRouter) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.handled...)
}

type disconnect struct {
	email     string
	remaining int
}

type mockLifecycle struct {
	mu           sync.Mutex
	connected    []string
	disconnected []disconnect
}

func (l *mockLifecycle) Connected(ctx context.Context, conn interfaces.Connection) error {
	l.mu.Lock()
	l.connected = append(l.connected, conn.GetID())
	l.mu.Unlock()
	return nil
}

func (l *mockLifecycle) Disconnected(ctx context.Context, principal types.Principal, remaining int) {
	l.mu.Lock()
	l.disconnected = append(l.disconnected, disconnect{principal.Email, remaining})
	l.mu.Unlock()
}

func (l *mockLifecycle) snapshot() ([]string, []disconnect) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.connected...), append([]disconnect(nil), l.disconnected...)
}

func newHub(t *testing.T, router *mockRouter, lifecycle *mockLifecycle, opts Options) *Hub {
	t.Helper()
	h := NewHub(websocket.NewRegistry(), router, lifecycle, opts)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { _ = h.Stop() })
	return h
}

func conn(id, email string) *mockConnection {
	return &mockConnection{id: id, principal: types.Principal{Email: email}}
}

func TestHub_StartStop(t *testing.T) {
	h := NewHub(websocket.NewRegistry(), &mockRouter{}, &mockLifecycle{}, Options{})
	c := conn("c1", "ada@school.test")

	assert.Equal(t, ErrHubNotRunning, h.HandleEvent(c, &types.Event{Name: "classUpdate"}))
	assert.Equal(t, ErrHubNotRunning, h.Stop())

	require.NoError(t, h.Start(context.Background()))
	assert.Equal(t, ErrHubAlreadyRunning, h.Start(context.Background()))
	require.NoError(t, h.Stop())
	assert.Equal(t, ErrHubNotRunning, h.Stop())
	assert.Equal(t, ErrHubNotRunning, h.RegisterConnection(c))
}

func TestHub_EventsRunInOrderPerConnection(t *testing.T) {
	router := &mockRouter{}
	h := newHub(t, router, &mockLifecycle{}, Options{Workers: 4})
	c := conn("c1", "ada@school.test")
	require.NoError(t, h.RegisterConnection(c))

	names := []string{"startPoll", "updatePoll", "endPoll", "clearPoll", "classUpdate"}
	for _, name := range names {
		require.NoError(t, h.HandleEvent(c, &types.Event{Name: name}))
	}
	require.Eventually(t, func() bool { return len(router.events()) == len(names) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, names, router.events())
}

func TestHub_FailedEventNotifiesSender(t *testing.T) {
	router := &mockRouter{fail: map[string]error{
		"startPoll": types.ErrNotAuthorized,
		"endClass":  context.DeadlineExceeded,
	}}
	h := newHub(t, router, &mockLifecycle{}, Options{})
	c := conn("c1", "ada@school.test")
	require.NoError(t, h.RegisterConnection(c))

	require.NoError(t, h.HandleEvent(c, &types.Event{Name: "startPoll"}))
	require.NoError(t, h.HandleEvent(c, &types.Event{Name: "endClass"}))
	require.NoError(t, h.HandleEvent(c, &types.Event{Name: "classUpdate"}))
	require.Eventually(t, func() bool { return len(router.events()) == 3 }, time.Second, 5*time.Millisecond)

	messages := c.messages()
	require.Len(t, messages, 2)
	assert.Equal(t, types.ErrorPayload{Event: "startPoll", Reason: "insufficient_permissions", Message: "you do not have permission to do that"}, messages[0])
	assert.Equal(t, "endClass", messages[1].Event)
	assert.Equal(t, "internal_error", messages[1].Reason)
}

func TestHub_Lifecycle(t *testing.T) {
	router := &mockRouter{}
	lifecycle := &mockLifecycle{}
	h := newHub(t, router, lifecycle, Options{})
	first := conn("c1", "ada@school.test")
	second := conn("c2", "ada@school.test")

	require.NoError(t, h.RegisterConnection(first))
	require.NoError(t, h.RegisterConnection(second))
	require.NoError(t, h.UnregisterConnection(first))
	require.NoError(t, h.UnregisterConnection(second))

	require.Eventually(t, func() bool {
		connected, disconnected := lifecycle.snapshot()
		return len(connected) == 2 && len(disconnected) == 2
	}, time.Second, 5*time.Millisecond)
	_, disconnected := lifecycle.snapshot()
	assert.ElementsMatch(t, []disconnect{{"ada@school.test", 1}, {"ada@school.test", 0}}, disconnected)
	router.mu.Lock()
	defer router.mu.Unlock()
	assert.ElementsMatch(t, []string{"c1", "c2"}, router.forgot)
}

func TestHub_ReconnectSkipsLogout(t *testing.T) {
	lifecycle := &mockLifecycle{}
	router := &mockRouter{block: make(chan struct{})}
	h := newHub(t, router, lifecycle, Options{Workers: 1})
	old := conn("c1", "ada@school.test")
	require.NoError(t, h.RegisterConnection(old))

	// Hold the only worker so the reconnect lands before the close is processed.
	require.NoError(t, h.HandleEvent(old, &types.Event{Name: "classUpdate"}))
	require.NoError(t, h.UnregisterConnection(old))
	require.NoError(t, h.RegisterConnection(conn("c2", "ada@school.test")))
	close(router.block)

	require.Eventually(t, func() bool {
		connected, _ := lifecycle.snapshot()
		return len(connected) == 2
	}, time.Second, 5*time.Millisecond)
	_, disconnected := lifecycle.snapshot()
	assert.Empty(t, disconnected)
}

func TestHub_FullQueueDropsEvent(t *testing.T) {
	router := &mockRouter{block: make(chan struct{})}
	h := newHub(t, router, &mockLifecycle{}, Options{Workers: 1, QueueSize: 1})
	c := conn("c1", "ada@school.test")

	require.NoError(t, h.HandleEvent(c, &types.Event{Name: "a"}))
	require.Eventually(t, func() bool {
		return h.HandleEvent(c, &types.Event{Name: "b"}) == nil
	}, time.Second, time.Millisecond)

	assert.Equal(t, ErrQueueFull, h.HandleEvent(c, &types.Event{Name: "c"}))
	messages := c.messages()
	require.NotEmpty(t, messages)
	assert.Equal(t, "server_busy", messages[len(messages)-1].Reason)
	close(router.block)
}
