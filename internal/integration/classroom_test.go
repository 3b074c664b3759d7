package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/hub"
	"formbar/internal/membership"
	"formbar/internal/polls"
	"formbar/internal/router"
	"formbar/internal/websocket"
	"formbar/pkg/types"
)

type recordingConnection struct {
	mu        sync.Mutex
	id        string
	principal types.Principal
	classID   int64
	level     int
	frames    map[string]int
}

func (c *recordingConnection) GetID() string                          { return c.id }
func (c *recordingConnection) WriteJSON(v interface{}) error          { return c.Send(v) }
func (c *recordingConnection) Close() error                           { return nil }
func (c *recordingConnection) IsAuthenticated() bool                  { return true }
func (c *recordingConnection) SetCredentials(p types.Principal) error { c.principal = p; return nil }
func (c *recordingConnection) GetPrincipal() types.Principal          { return c.principal }
func (c *recordingConnection) GetEmail() string                       { return c.principal.Email }
func (c *recordingConnection) GetUserID() int64                       { return c.principal.UserID }
func (c *recordingConnection) IsAPI() bool                            { return false }

func (c *recordingConnection) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if event, ok := v.(types.OutboundEvent); ok {
		c.frames[event.Name]++
	}
	return nil
}

func (c *recordingConnection) GetClassID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.classID
}

func (c *recordingConnection) GetClassPermissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

func (c *recordingConnection) SetClassroom(classID int64, level int) {
	c.mu.Lock()
	c.classID, c.level = classID, level
	c.mu.Unlock()
}

func (c *recordingConnection) count(event string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames[event]
}

// TestClassroom_ConcurrentVoting drives a full class through the hub: many
// students answer at once while the teacher edits the poll, and every vote
// must land exactly once.
func TestClassroom_ConcurrentVoting(t *testing.T) {
	const students = 30
	ctx := context.Background()

	store := NewTestStore(t)
	registry := classroom.NewRegistry(store)
	subscribers := websocket.NewRegistry()
	broadcaster := broadcast.New(registry, subscribers)
	pollService := polls.New(store, registry, broadcaster, polls.DefaultRewards())
	members := membership.New(store, registry, broadcaster, pollService)
	eventRouter := router.NewRouter(registry, broadcaster, members, pollService, router.NewRateLimiter(1000, time.Minute))
	eventHub := hub.NewHub(subscribers, eventRouter, members, hub.Options{Workers: 4})
	require.NoError(t, eventHub.Start(ctx))
	t.Cleanup(func() { _ = eventHub.Stop() })

	owner := SeedUser(t, store, "owner@school.test", types.TeacherPermissions)
	classID := SeedClassroom(t, store, owner.UserID, "abcd")

	connect := func(principal types.Principal) (*types.UserSession, *recordingConnection) {
		user, err := registry.LoadUser(ctx, principal)
		require.NoError(t, err)
		_, err = members.JoinByCode(ctx, user, "abcd")
		require.NoError(t, err)
		conn := &recordingConnection{id: "conn-" + principal.Email, principal: principal, frames: map[string]int{}}
		require.NoError(t, eventHub.RegisterConnection(conn))
		return user, conn
	}

	teacher, teacherConn := connect(owner)
	require.NoError(t, members.StartClass(ctx, classID, teacher))

	conns := make([]*recordingConnection, 0, students)
	for i := 0; i < students; i++ {
		principal := SeedUser(t, store, fmt.Sprintf("student%02d@school.test", i), types.StudentPermissions)
		require.NoError(t, store.InsertMembership(ctx, types.MembershipRecord{
			ClassID: classID, StudentID: principal.UserID, Permissions: types.StudentPermissions, Tags: "[]",
		}))
		_, conn := connect(principal)
		conns = append(conns, conn)
	}

	spec, err := json.Marshal(map[string]interface{}{
		"prompt":  "Pick one",
		"answers": []map[string]string{{"answer": "A"}, {"answer": "B"}},
	})
	require.NoError(t, err)
	require.NoError(t, eventHub.HandleEvent(teacherConn, &types.Event{Name: "startPoll", Data: spec}))
	require.Eventually(t, func() bool {
		active := false
		_ = registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
			active = c.Poll.Status
			return nil
		})
		return active
	}, 2*time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn *recordingConnection) {
			defer wg.Done()
			answer := "A"
			if i%2 == 1 {
				answer = "B"
			}
			data, _ := json.Marshal(map[string]string{"response": answer})
			assert.NoError(t, eventHub.HandleEvent(conn, &types.Event{Name: "pollResp", Data: data}))
		}(i, conn)
	}
	blind, _ := json.Marshal(map[string]interface{}{"name": "blind", "value": true})
	require.NoError(t, eventHub.HandleEvent(teacherConn, &types.Event{Name: "updatePoll", Data: blind}))
	wg.Wait()

	var info classroom.ResponseInfo
	require.Eventually(t, func() bool {
		info, err = pollService.ResponseInformation(classID)
		return err == nil && info.TotalResponses == students
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, students, info.TotalResponders)

	require.NoError(t, registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
		tally := map[string]int{}
		for _, member := range c.Students {
			for _, answer := range member.PollRes.Buttons {
				tally[answer]++
			}
		}
		assert.Equal(t, map[string]int{"A": students / 2, "B": students / 2}, tally)
		assert.True(t, c.Poll.Blind)
		return nil
	}))

	require.NoError(t, eventHub.HandleEvent(teacherConn, &types.Event{Name: "endPoll"}))
	require.Eventually(t, func() bool {
		history, err := store.ListPollHistory(ctx, classID, 0, 10)
		return err == nil && len(history) == 1
	}, 2*time.Second, 10*time.Millisecond)

	for _, conn := range conns {
		assert.Positive(t, conn.count(types.EventClassUpdate))
	}
}
