package websocket

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbar/pkg/types"
)

// mockConnection is an in-memory interfaces.Connection.
type mockConnection struct {
	mu               sync.Mutex
	id               string
	principal        types.Principal
	authenticated    bool
	classID          int64
	classPermissions int
	sent             []interface{}
	closed           bool
}

func newMockConnection(id, email string) *mockConnection {
	return &mockConnection{
		id:            id,
		principal:     types.Principal{Email: email},
		authenticated: email != "",
	}
}

func (m *mockConnection) GetID() string { return m.id }

func (m *mockConnection) WriteJSON(v interface{}) error { return m.Send(v) }

func (m *mockConnection) Send(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrConnectionClosed
	}
	m.sent = append(m.sent, v)
	return nil
}

func (m *mockConnection) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *mockConnection) IsAuthenticated() bool { return m.authenticated }

func (m *mockConnection) SetCredentials(principal types.Principal) error {
	m.principal = principal
	m.authenticated = true
	return nil
}

func (m *mockConnection) GetPrincipal() types.Principal { return m.principal }
func (m *mockConnection) GetEmail() string              { return m.principal.Email }
func (m *mockConnection) GetUserID() int64              { return m.principal.UserID }
func (m *mockConnection) IsAPI() bool                   { return m.principal.API }

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

func (m *mockConnection) SetClassroom(classID int64, classPermissions int) {
	m.mu.Lock()
	m.classID = classID
	m.classPermissions = classPermissions
	m.mu.Unlock()
}

func TestRegistry_RegisterValidation(t *testing.T) {
	registry := NewRegistry()

	assert.Equal(t, ErrNilConnection, registry.RegisterConnection(nil))
	assert.Equal(t, ErrConnectionNotAuthenticated, registry.RegisterConnection(newMockConnection("c1", "")))
	assert.Equal(t, 0, registry.GetStats()["total_connections"])
}

func TestRegistry_MultipleConnectionsPerUser(t *testing.T) {
	registry := NewRegistry()
	tab1 := newMockConnection("c1", "ada@school.test")
	tab2 := newMockConnection("c2", "ada@school.test")
	require.NoError(t, registry.RegisterConnection(tab1))
	require.NoError(t, registry.RegisterConnection(tab2))

	assert.Len(t, registry.UserConnections("ada@school.test"), 2)
	assert.True(t, registry.IsConnected("ada@school.test"))

	conn, ok := registry.GetConnection("c2")
	require.True(t, ok)
	assert.Same(t, tab2, conn)

	assert.Equal(t, 1, registry.UnregisterConnection(tab1))
	assert.Equal(t, 0, registry.UnregisterConnection(tab2))
	assert.False(t, registry.IsConnected("ada@school.test"))
	assert.Equal(t, 0, registry.UnregisterConnection(tab2), "second unregister is a no-op")
}

func TestRegistry_RegisterSubscribesCurrentClass(t *testing.T) {
	registry := NewRegistry()
	conn := newMockConnection("c1", "ada@school.test")
	conn.SetClassroom(5, types.StudentPermissions)
	require.NoError(t, registry.RegisterConnection(conn))

	assert.Len(t, registry.ClassConnections(5), 1)
	registry.UnregisterConnection(conn)
	assert.Empty(t, registry.ClassConnections(5))
	assert.Equal(t, 0, registry.GetStats()["active_classrooms"])
}

func TestRegistry_SetClassMovesEveryTab(t *testing.T) {
	registry := NewRegistry()
	tab1 := newMockConnection("c1", "ada@school.test")
	tab2 := newMockConnection("c2", "ada@school.test")
	other := newMockConnection("c3", "bob@school.test")
	for _, conn := range []*mockConnection{tab1, tab2, other} {
		require.NoError(t, registry.RegisterConnection(conn))
	}

	registry.SetClass("ada@school.test", 1, types.StudentPermissions)
	registry.SetClass("bob@school.test", 1, types.TeacherPermissions)
	assert.Len(t, registry.ClassConnections(1), 3)
	assert.Equal(t, int64(1), tab2.GetClassID())

	registry.SetClass("ada@school.test", 2, types.ModPermissions)
	assert.Len(t, registry.ClassConnections(1), 1)
	assert.Len(t, registry.ClassConnections(2), 2)
	assert.Equal(t, types.ModPermissions, tab1.GetClassPermissions())

	registry.SetClassPermissions("ada@school.test", 2, types.TeacherPermissions)
	assert.Equal(t, types.TeacherPermissions, tab1.GetClassPermissions())
	registry.SetClassPermissions("ada@school.test", 1, types.GuestPermissions)
	assert.Equal(t, types.TeacherPermissions, tab2.GetClassPermissions(), "other class is untouched")

	registry.ClearClass("ada@school.test", 1)
	assert.Len(t, registry.ClassConnections(2), 2, "clearing another class does nothing")
	registry.ClearClass("ada@school.test", 2)
	assert.Empty(t, registry.ClassConnections(2))
	assert.Zero(t, tab1.GetClassID())

	registry.SetClass("bob@school.test", 0, 0)
	assert.Empty(t, registry.ClassConnections(1))
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			email := fmt.Sprintf("user%d@school.test", i%10)
			conn := newMockConnection(fmt.Sprintf("c%d", i), email)
			_ = registry.RegisterConnection(conn)
			registry.SetClass(email, int64(i%3+1), types.StudentPermissions)
			_ = registry.ClassConnections(int64(i%3 + 1))
			if i%2 == 0 {
				registry.UnregisterConnection(conn)
			}
		}(i)
	}
	wg.Wait()

	stats := registry.GetStats()
	assert.Equal(t, 25, stats["total_connections"])
	total := 0
	for classID := int64(1); classID <= 3; classID++ {
		total += len(registry.ClassConnections(classID))
	}
	assert.Equal(t, 25, total)
}
