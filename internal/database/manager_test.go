package database

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "formbar/pkg/database"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := &dbconfig.Config{
		Driver:          dbconfig.DriverSQLite,
		DSN:             filepath.Join(t.TempDir(), "test.db"),
		MaxConnections:  1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
		WriteTimeout:    5 * time.Second,
		WriteRetryDelay: 0,
	}
	m, err := NewManager(config)
	require.NoError(t, err)
	require.NoError(t, m.Migrate())
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func seedUser(t *testing.T, m *Manager, email string, perms int) int64 {
	t.Helper()
	id, err := m.CreateUser(context.Background(), &types.UserRecord{Email: email, DisplayName: email, Permissions: perms})
	require.NoError(t, err)
	return id
}

func seedClassroom(t *testing.T, m *Manager, owner int64, key string) int64 {
	t.Helper()
	id, err := m.CreateClassroom(context.Background(), &types.ClassroomRecord{
		Name: "Period 1", Owner: owner, Key: key, Tags: `["Offline"]`, Permissions: `{}`, Settings: `{}`,
	})
	require.NoError(t, err)
	return id
}

func TestManager_Users(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	id := seedUser(t, m, "ada@school.test", types.StudentPermissions)
	assert.Greater(t, id, int64(0))

	user, err := m.GetUserByEmail(ctx, "ada@school.test")
	require.NoError(t, err)
	assert.Equal(t, id, user.ID)
	assert.Equal(t, types.StudentPermissions, user.Permissions)

	_, err = m.GetUser(ctx, 9999)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	_, err = m.CreateUser(ctx, &types.UserRecord{Email: "ada@school.test"})
	assert.Error(t, err, "duplicate email must fail")
}

func TestManager_AwardDigipogs(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	id := seedUser(t, m, "ada@school.test", types.StudentPermissions)

	require.NoError(t, m.AwardDigipogs(ctx, types.DigipogAward{UserID: id, ClassID: 1, Amount: 7, Reason: "pog meter"}))
	require.NoError(t, m.AwardDigipogs(ctx, types.DigipogAward{UserID: id, ClassID: 1, Amount: 3, Reason: "pog meter"}))

	user, err := m.GetUser(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, user.Digipogs)

	var audited int
	require.NoError(t, m.GetRow(ctx, &audited, `SELECT COUNT(*) FROM digipog_awards WHERE userId = ?`, id))
	assert.Equal(t, 2, audited)

	err = m.AwardDigipogs(ctx, types.DigipogAward{UserID: 4242, Amount: 1})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	require.NoError(t, m.GetRow(ctx, &audited, `SELECT COUNT(*) FROM digipog_awards`))
	assert.Equal(t, 2, audited, "failed award must not leave an audit row")
}

func TestManager_ClassroomLifecycle(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	owner := seedUser(t, m, "teacher@school.test", types.TeacherPermissions)
	student := seedUser(t, m, "ada@school.test", types.StudentPermissions)
	classID := seedClassroom(t, m, owner, "abcd")

	byKey, err := m.GetClassroomByKey(ctx, "abcd")
	require.NoError(t, err)
	assert.Equal(t, classID, byKey.ID)

	_, err = m.CreateClassroom(ctx, &types.ClassroomRecord{Name: "dup", Owner: owner, Key: "abcd", Tags: "[]", Permissions: "{}", Settings: "{}"})
	assert.Error(t, err, "duplicate key must fail")

	require.NoError(t, m.UpdateClassroomKey(ctx, classID, "wxyz"))
	_, err = m.GetClassroomByKey(ctx, "abcd")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, m.UpdateClassroomTags(ctx, classID, []string{"Offline", "Table 1"}))
	require.NoError(t, m.UpdateClassroomPermissions(ctx, classID, map[string]int{types.CapGames: 2}))
	record, err := m.GetClassroom(ctx, classID)
	require.NoError(t, err)
	assert.JSONEq(t, `["Offline","Table 1"]`, record.Tags)
	assert.JSONEq(t, `{"games":2}`, record.Permissions)

	assert.ErrorIs(t, m.UpdateClassroomKey(ctx, 777, "nope"), interfaces.ErrNotFound)

	require.NoError(t, m.InsertMembership(ctx, types.MembershipRecord{ClassID: classID, StudentID: student, Permissions: 2}))
	require.NoError(t, m.ShareClassPoll(ctx, classID, 5))
	require.NoError(t, m.DeleteClassroom(ctx, classID))

	_, err = m.GetClassroom(ctx, classID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = m.GetMembership(ctx, classID, student)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	shared, err := m.ListClassPolls(ctx, classID)
	require.NoError(t, err)
	assert.Empty(t, shared)
}

func TestManager_Memberships(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	owner := seedUser(t, m, "teacher@school.test", types.TeacherPermissions)
	ada := seedUser(t, m, "ada@school.test", types.StudentPermissions)
	bob := seedUser(t, m, "bob@school.test", types.StudentPermissions)
	classID := seedClassroom(t, m, owner, "abcd")

	require.NoError(t, m.InsertMembership(ctx, types.MembershipRecord{ClassID: classID, StudentID: ada, Permissions: 2}))
	// idempotent: second insert keeps the first row
	require.NoError(t, m.InsertMembership(ctx, types.MembershipRecord{ClassID: classID, StudentID: ada, Permissions: 4}))
	require.NoError(t, m.InsertMembership(ctx, types.MembershipRecord{ClassID: classID, StudentID: bob, Permissions: 2}))

	membership, err := m.GetMembership(ctx, classID, ada)
	require.NoError(t, err)
	assert.Equal(t, 2, membership.Permissions)
	assert.Equal(t, "[]", membership.Tags)

	require.NoError(t, m.UpdateMembershipTags(ctx, classID, ada, []string{"Table 1"}))
	require.NoError(t, m.UpdateMembershipPermissions(ctx, classID, bob, types.BannedPermissions))

	roster, err := m.ListRoster(ctx, classID)
	require.NoError(t, err)
	require.Len(t, roster, 1)
	assert.Equal(t, ada, roster[0].StudentID)
	assert.Equal(t, "ada@school.test", roster[0].Email)
	assert.Equal(t, types.StudentPermissions, roster[0].GlobalPermissions)
	assert.JSONEq(t, `["Table 1"]`, roster[0].Tags)

	banned, err := m.ListBannedUsers(ctx, classID)
	require.NoError(t, err)
	require.Len(t, banned, 1)
	assert.Equal(t, bob, banned[0].StudentID)

	require.NoError(t, m.DeleteMembership(ctx, classID, ada))
	_, err = m.GetMembership(ctx, classID, ada)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.ErrorIs(t, m.UpdateMembershipTags(ctx, classID, ada, nil), interfaces.ErrNotFound)
}

func TestManager_PollHistory(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	first := &types.PollRecord{
		ClassID:   1,
		Prompt:    "2+2?",
		Responses: []types.AnswerOption{{Answer: "4", Weight: 1, Color: "#00ff00", Responses: 1}},
		Answers:   []types.PollAnswer{{UserID: 3, ButtonResponse: []string{"4"}}},
		CreatedAt: base,
	}
	_, err := m.InsertPollHistory(ctx, first)
	require.NoError(t, err)
	second := &types.PollRecord{ClassID: 1, Prompt: "3+3?", AllowMultipleResponses: true, Blind: true, CreatedAt: base.Add(time.Minute)}
	_, err = m.InsertPollHistory(ctx, second)
	require.NoError(t, err)
	_, err = m.InsertPollHistory(ctx, &types.PollRecord{ClassID: 2, Prompt: "other class", CreatedAt: base})
	require.NoError(t, err)

	history, err := m.ListPollHistory(ctx, 1, 0, 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "3+3?", history[0].Prompt)
	assert.True(t, history[0].AllowMultipleResponses)
	assert.True(t, history[0].Blind)
	assert.Equal(t, "2+2?", history[1].Prompt)
	assert.Equal(t, base.UnixMilli(), history[1].CreatedAt.UnixMilli())
	require.Len(t, history[1].Responses, 1)
	assert.Equal(t, "#00ff00", history[1].Responses[0].Color)
	require.Len(t, history[1].Answers, 1)
	assert.Equal(t, []string{"4"}, history[1].Answers[0].ButtonResponse)

	page, err := m.ListPollHistory(ctx, 1, 1, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)
}

func TestManager_PollAnswersUpsert(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	answers := []types.PollAnswer{
		{PollID: 1, ClassID: 1, UserID: 3, ButtonResponse: []string{"4"}},
		{PollID: 1, ClassID: 1, UserID: 4},
	}
	require.NoError(t, m.InsertPollAnswers(ctx, answers))
	answers[0].ButtonResponse = []string{"5"}
	require.NoError(t, m.InsertPollAnswers(ctx, answers[:1]))

	var rows []struct {
		UserID int64  `db:"userId"`
		Button string `db:"buttonResponse"`
	}
	require.NoError(t, m.GetRows(ctx, &rows, `SELECT userId, buttonResponse FROM poll_answers WHERE pollId = ? ORDER BY userId`, 1))
	require.Len(t, rows, 2)
	assert.Equal(t, `["5"]`, rows[0].Button)
	assert.Equal(t, `[]`, rows[1].Button)

	assert.NoError(t, m.InsertPollAnswers(ctx, nil))
}

func TestManager_CustomPolls(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	mine := &types.CustomPoll{Owner: 1, Name: "Quiz", Prompt: "Pick", Answers: []types.AnswerOption{{Answer: "a", Weight: 1}}, Weight: 1, AllowVoteChanges: true}
	public := &types.CustomPoll{Owner: 2, Name: "Shared", Prompt: "Pick", Weight: 1, Public: true}
	private := &types.CustomPoll{Owner: 3, Name: "Hidden", Prompt: "Pick", Weight: 2}
	for _, p := range []*types.CustomPoll{mine, public, private} {
		_, err := m.InsertCustomPoll(ctx, p)
		require.NoError(t, err)
	}

	got, err := m.GetCustomPoll(ctx, mine.ID)
	require.NoError(t, err)
	assert.True(t, got.AllowVoteChanges)
	assert.Equal(t, "a", got.Answers[0].Answer)

	polls, err := m.ListCustomPolls(ctx, 1, nil)
	require.NoError(t, err)
	assert.Len(t, polls, 2)

	polls, err = m.ListCustomPolls(ctx, 1, []int64{private.ID})
	require.NoError(t, err)
	assert.Len(t, polls, 3)

	require.NoError(t, m.ShareClassPoll(ctx, 9, private.ID))
	require.NoError(t, m.ShareClassPoll(ctx, 9, private.ID))
	ids, err := m.ListClassPolls(ctx, 9)
	require.NoError(t, err)
	assert.Equal(t, []int64{private.ID}, ids)

	require.NoError(t, m.UnshareClassPoll(ctx, 9, private.ID))
	ids, err = m.ListClassPolls(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestManager_ConcurrentWrites(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.Run(ctx, `INSERT INTO class_polls (pollId, classId) VALUES (?, ?)`, i, 1)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var count int
	require.NoError(t, m.GetRow(ctx, &count, `SELECT COUNT(*) FROM class_polls`))
	assert.Equal(t, 20, count)
}

func TestManager_HealthCheckAndClose(t *testing.T) {
	m := setupTestDB(t)
	assert.NoError(t, m.HealthCheck(context.Background()))

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.Run(context.Background(), `DELETE FROM class_polls`)
	assert.ErrorIs(t, err, ErrManagerClosed)
}
