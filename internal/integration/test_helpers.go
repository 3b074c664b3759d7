package integration

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"formbar/internal/database"
	dbconfig "formbar/pkg/database"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// NewTestStore opens a migrated pure-Go SQLite store in t's temp dir.
func NewTestStore(t testing.TB) *database.Manager {
	t.Helper()
	config := &dbconfig.Config{
		Driver:          dbconfig.DriverSQLite,
		DSN:             filepath.Join(t.TempDir(), "formbar.db"),
		MaxConnections:  1,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute,
		WriteTimeout:    5 * time.Second,
	}
	store, err := database.NewManager(config)
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// SeedUser inserts a registered user and returns its principal.
func SeedUser(t testing.TB, store interfaces.Store, email string, level int) types.Principal {
	t.Helper()
	id, err := store.CreateUser(context.Background(), &types.UserRecord{
		Email: email, DisplayName: email, Permissions: level,
	})
	require.NoError(t, err)
	return types.Principal{UserID: id, Email: email, DisplayName: email, Permissions: level}
}

// SeedClassroom inserts a classroom owned by owner with the given join code.
func SeedClassroom(t testing.TB, store interfaces.Store, owner int64, key string) int64 {
	t.Helper()
	id, err := store.CreateClassroom(context.Background(), &types.ClassroomRecord{
		Name: "Class " + key, Owner: owner, Key: key,
		Tags: `["Offline"]`, Permissions: `{}`, Settings: `{}`,
	})
	require.NoError(t, err)
	return id
}

// Guest returns a guest principal.
func Guest(name string) types.Principal {
	return types.Principal{Email: fmt.Sprintf("guest-%s", name), DisplayName: name, Permissions: types.GuestPermissions, IsGuest: true}
}

// ErrInjected is returned by FaultyStore for every armed operation.
var ErrInjected = fmt.Errorf("injected store failure")

// FaultyStore wraps a store and fails selected write operations on demand.
type FaultyStore struct {
	interfaces.Store

	mu    sync.Mutex
	fail  map[string]bool
	after map[string]int
}

// NewFaultyStore wraps store with nothing armed.
func NewFaultyStore(store interfaces.Store) *FaultyStore {
	return &FaultyStore{Store: store, fail: make(map[string]bool), after: make(map[string]int)}
}

// Fail arms (or disarms) the named operation.
func (f *FaultyStore) Fail(operation string, on bool) {
	f.mu.Lock()
	f.fail[operation] = on
	delete(f.after, operation)
	f.mu.Unlock()
}

// FailAfter lets the named operation succeed n more times, then fails it
// until disarmed with Fail.
func (f *FaultyStore) FailAfter(operation string, n int) {
	f.mu.Lock()
	f.fail[operation] = true
	f.after[operation] = n
	f.mu.Unlock()
}

func (f *FaultyStore) armed(operation string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.fail[operation] {
		return false
	}
	if f.after[operation] > 0 {
		f.after[operation]--
		return false
	}
	return true
}

func (f *FaultyStore) InsertMembership(ctx context.Context, record types.MembershipRecord) error {
	if f.armed("InsertMembership") {
		return ErrInjected
	}
	return f.Store.InsertMembership(ctx, record)
}

func (f *FaultyStore) DeleteMembership(ctx context.Context, classID, userID int64) error {
	if f.armed("DeleteMembership") {
		return ErrInjected
	}
	return f.Store.DeleteMembership(ctx, classID, userID)
}

func (f *FaultyStore) UpdateMembershipPermissions(ctx context.Context, classID, userID int64, level int) error {
	if f.armed("UpdateMembershipPermissions") {
		return ErrInjected
	}
	return f.Store.UpdateMembershipPermissions(ctx, classID, userID, level)
}

func (f *FaultyStore) UpdateMembershipTags(ctx context.Context, classID, userID int64, tags []string) error {
	if f.armed("UpdateMembershipTags") {
		return ErrInjected
	}
	return f.Store.UpdateMembershipTags(ctx, classID, userID, tags)
}

func (f *FaultyStore) DeleteClassroom(ctx context.Context, id int64) error {
	if f.armed("DeleteClassroom") {
		return ErrInjected
	}
	return f.Store.DeleteClassroom(ctx, id)
}

func (f *FaultyStore) InsertPollHistory(ctx context.Context, record *types.PollRecord) (int64, error) {
	if f.armed("InsertPollHistory") {
		return 0, ErrInjected
	}
	return f.Store.InsertPollHistory(ctx, record)
}

func (f *FaultyStore) AwardDigipogs(ctx context.Context, award types.DigipogAward) error {
	if f.armed("AwardDigipogs") {
		return ErrInjected
	}
	return f.Store.AwardDigipogs(ctx, award)
}

func (f *FaultyStore) GetClassroom(ctx context.Context, id int64) (*types.ClassroomRecord, error) {
	if f.armed("GetClassroom") {
		return nil, ErrInjected
	}
	return f.Store.GetClassroom(ctx, id)
}
