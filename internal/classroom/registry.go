package classroom

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/metrics"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// Registry is the process-wide classroom state: every known user session
// and every loaded classroom. Classrooms are loaded lazily and stay resident
// until the process exits.
type Registry struct {
	store interfaces.Store

	mu        sync.RWMutex
	users     map[string]*types.UserSession // email -> session
	usersByID map[int64]*types.UserSession
	rooms     map[int64]*room

	guestSeq int64
}

// room pairs a classroom with the lock serializing every handler touching it.
type room struct {
	mu        sync.Mutex
	classroom *types.Classroom
}

// NewRegistry creates an empty registry over store.
func NewRegistry(store interfaces.Store) *Registry {
	return &Registry{
		store:     store,
		users:     make(map[string]*types.UserSession),
		usersByID: make(map[int64]*types.UserSession),
		rooms:     make(map[int64]*room),
	}
}

// User returns the session registered under email.
func (r *Registry) User(email string) (*types.UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[email]
	return user, ok
}

// UserByID returns the session of the user with id.
func (r *Registry) UserByID(id int64) (*types.UserSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.usersByID[id]
	return user, ok
}

// LoadUser returns the session for principal, creating it on first sight.
// Registered users are hydrated from the store; guests get a synthetic
// negative id that never collides with a persisted one.
func (r *Registry) LoadUser(ctx context.Context, principal types.Principal) (*types.UserSession, error) {
	if user, ok := r.User(principal.Email); ok {
		return user, nil
	}

	var user *types.UserSession
	if principal.IsGuest {
		user = &types.UserSession{
			ID:          atomic.AddInt64(&r.guestSeq, -1),
			Email:       principal.Email,
			DisplayName: principal.DisplayName,
			Permissions: types.GuestPermissions,
			IsGuest:     true,
		}
	} else {
		record, err := r.store.GetUserByEmail(ctx, principal.Email)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, types.ErrUserNotFound
		}
		if err != nil {
			return nil, types.Internal(err, "failed to load user")
		}
		user = newUserSession(record)
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Email
	}

	return r.addUser(user), nil
}

// addUser inserts user unless another session for the same email won the race.
func (r *Registry) addUser(user *types.UserSession) *types.UserSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.users[user.Email]; ok {
		return existing
	}
	r.users[user.Email] = user
	r.usersByID[user.ID] = user
	return user
}

// RemoveUser drops a session from the registry. Used for guests on logout.
func (r *Registry) RemoveUser(email string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if user, ok := r.users[email]; ok {
		delete(r.usersByID, user.ID)
		delete(r.users, email)
	}
}

// WithClassroom runs fn while holding the classroom's lock, loading the
// classroom from the store first if it is not resident.
func (r *Registry) WithClassroom(ctx context.Context, classID int64, fn func(c *types.Classroom) error) error {
	rm, err := r.getOrLoad(ctx, classID)
	if err != nil {
		return err
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return fn(rm.classroom)
}

// WithLoadedClassroom is WithClassroom without loading; it returns
// ErrClassNotFound for classrooms that are not resident.
func (r *Registry) WithLoadedClassroom(classID int64, fn func(c *types.Classroom) error) error {
	r.mu.RLock()
	rm, ok := r.rooms[classID]
	r.mu.RUnlock()
	if !ok {
		return types.ErrClassNotFound
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return fn(rm.classroom)
}

// IsLoaded reports whether classID is resident.
func (r *Registry) IsLoaded(classID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[classID]
	return ok
}

// Forget drops a classroom from memory, e.g. after it was deleted.
func (r *Registry) Forget(classID int64) {
	r.mu.Lock()
	delete(r.rooms, classID)
	metrics.ClassroomsLoaded.Set(float64(len(r.rooms)))
	r.mu.Unlock()
	log.Infof("classroom unloaded: id=%d", classID)
}

// LoadedClassrooms returns the ids of every resident classroom.
func (r *Registry) LoadedClassrooms() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) getOrLoad(ctx context.Context, classID int64) (*room, error) {
	r.mu.RLock()
	rm, ok := r.rooms[classID]
	r.mu.RUnlock()
	if ok {
		return rm, nil
	}

	c, err := r.load(ctx, classID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rooms[classID]; ok {
		return existing, nil
	}
	rm = &room{classroom: c}
	r.rooms[classID] = rm
	metrics.ClassroomsLoaded.Set(float64(len(r.rooms)))
	log.Infof("classroom loaded: id=%d name=%q members=%d", c.ID, c.Name, len(c.Students))
	return rm, nil
}

func (r *Registry) load(ctx context.Context, classID int64) (*types.Classroom, error) {
	record, err := r.store.GetClassroom(ctx, classID)
	if errors.Is(err, interfaces.ErrNotFound) {
		return nil, types.ErrClassNotFound
	}
	if err != nil {
		return nil, types.Internal(err, "failed to load class")
	}

	roster, err := r.store.ListRoster(ctx, classID)
	if err != nil {
		return nil, types.Internal(err, "failed to load class roster")
	}
	shared, err := r.store.ListClassPolls(ctx, classID)
	if err != nil {
		return nil, types.Internal(err, "failed to load shared polls")
	}

	c := Hydrate(record)
	c.SharedPolls = shared
	for _, entry := range roster {
		user := r.addUser(rosterUser(entry))
		c.Students[user.ID] = NewMember(user.ID, entry.Permissions, DecodeTags(entry.Tags), false, c.Poll.AllowMultipleResponses)
	}
	return c, nil
}

// GetStats returns registry statistics
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	guests := 0
	for _, user := range r.users {
		if user.IsGuest {
			guests++
		}
	}
	return map[string]interface{}{
		"loaded_classrooms": len(r.rooms),
		"users":             len(r.users),
		"guests":            guests,
	}
}

func newUserSession(record *types.UserRecord) *types.UserSession {
	return &types.UserSession{
		ID:          record.ID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		Permissions: record.Permissions,
	}
}

func rosterUser(entry types.RosterRecord) *types.UserSession {
	user := &types.UserSession{
		ID:          entry.StudentID,
		Email:       entry.Email,
		DisplayName: entry.DisplayName,
		Permissions: entry.GlobalPermissions,
	}
	if user.DisplayName == "" {
		user.DisplayName = user.Email
	}
	return user
}
