// Package membership orchestrates who is in a classroom: joining, leaving,
// kicking and banning, plus the class administration built on the roster.
package membership

import (
	"context"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/polls"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// JoinResult identifies the classroom a user joined.
type JoinResult struct {
	ClassID int64  `json:"classId"`
	Key     string `json:"key"`
	Name    string `json:"className"`
}

// Service implements the membership operations. Like the poll service it
// persists first, then mutates memory, then notifies.
type Service struct {
	store       interfaces.Store
	registry    *classroom.Registry
	broadcaster *broadcast.Broadcaster
	polls       *polls.Service
}

// New creates a membership service.
func New(store interfaces.Store, registry *classroom.Registry, broadcaster *broadcast.Broadcaster, polls *polls.Service) *Service {
	return &Service{
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		polls:       polls,
	}
}

// JoinByCode adds actor to the classroom with the given join code.
func (s *Service) JoinByCode(ctx context.Context, actor *types.UserSession, code string) (JoinResult, error) {
	code = strings.ToLower(strings.TrimSpace(code))
	if !types.IsValidClassKey(code) {
		return JoinResult{}, types.Validation("invalid_class_key", "class code must be 4 to 12 letters or digits")
	}
	record, err := s.store.GetClassroomByKey(ctx, code)
	if errors.Is(err, interfaces.ErrNotFound) {
		return JoinResult{}, types.ErrClassNotFound
	}
	if err != nil {
		return JoinResult{}, types.Internal(err, "failed to look up class")
	}
	return s.join(ctx, record.ID, actor, false)
}

// JoinByID re-enters a classroom actor is already a member of.
func (s *Service) JoinByID(ctx context.Context, actor *types.UserSession, classID int64) (JoinResult, error) {
	return s.join(ctx, classID, actor, true)
}

func (s *Service) join(ctx context.Context, classID int64, actor *types.UserSession, requireMember bool) (JoinResult, error) {
	previous := actor.ActiveClass()

	var result JoinResult
	err := s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		member, err := s.admit(ctx, c, actor, requireMember)
		if err != nil {
			return err
		}
		member.Tags = classroom.MemberTags(member.Tags, true)

		actor.SetActiveClass(c.ID)
		s.broadcaster.SetClass(actor.Email, c.ID, member.ClassPermissions)
		s.broadcaster.Sound(c.ID, types.EventJoinSound)
		s.broadcaster.ClassUpdate(c)

		log.Infof("user joined class: class=%d user=%d level=%d", c.ID, actor.ID, member.ClassPermissions)
		result = JoinResult{ClassID: c.ID, Key: c.Key, Name: c.Name}
		return nil
	})
	if err != nil {
		return JoinResult{}, err
	}

	if previous != 0 && previous != classID {
		s.markOffline(previous, actor)
	}
	return result, nil
}

// admit returns actor's roster entry in c, restoring or creating it.
func (s *Service) admit(ctx context.Context, c *types.Classroom, actor *types.UserSession, requireMember bool) (*types.Member, error) {
	if member, ok := c.Students[actor.ID]; ok {
		if member.ClassPermissions <= types.BannedPermissions {
			return nil, types.ErrBanned
		}
		return member, nil
	}

	multiple := c.Poll.AllowMultipleResponses
	if actor.ID == c.Owner {
		member := classroom.NewMember(actor.ID, types.ManagerPermissions, nil, true, multiple)
		c.Students[actor.ID] = member
		return member, nil
	}

	if actor.IsGuest {
		if requireMember {
			return nil, types.ErrNotAMember
		}
		member := classroom.NewMember(actor.ID, c.Permissions[types.CapUserDefaults], nil, true, multiple)
		c.Students[actor.ID] = member
		return member, nil
	}

	stored, err := s.store.GetMembership(ctx, c.ID, actor.ID)
	switch {
	case err == nil:
		if stored.Permissions <= types.BannedPermissions {
			return nil, types.ErrBanned
		}
		member := classroom.NewMember(actor.ID, stored.Permissions, classroom.DecodeTags(stored.Tags), true, multiple)
		c.Students[actor.ID] = member
		return member, nil
	case !errors.Is(err, interfaces.ErrNotFound):
		return nil, types.Internal(err, "failed to load membership")
	case requireMember:
		return nil, types.ErrNotAMember
	}

	level := c.Permissions[types.CapUserDefaults]
	if err := s.store.InsertMembership(ctx, types.MembershipRecord{
		ClassID:     c.ID,
		StudentID:   actor.ID,
		Permissions: level,
		Tags:        "[]",
	}); err != nil {
		return nil, types.Internal(err, "failed to add user to class")
	}
	member := classroom.NewMember(actor.ID, level, nil, true, multiple)
	c.Students[actor.ID] = member
	return member, nil
}

// markOffline flags user's entry in a classroom they moved away from.
func (s *Service) markOffline(classID int64, user *types.UserSession) {
	_ = s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
		member, ok := c.Students[user.ID]
		if !ok {
			return nil
		}
		if user.IsGuest {
			delete(c.Students, user.ID)
		} else {
			clearSession(member, c.Poll.AllowMultipleResponses)
		}
		s.broadcaster.ClassUpdate(c)
		return nil
	})
}

// LeaveSession detaches actor from their active classroom. Registered users
// keep their membership; guests are removed from the roster.
func (s *Service) LeaveSession(ctx context.Context, actor *types.UserSession) error {
	classID := actor.ActiveClass()
	if classID == 0 {
		return types.ErrNotInClass
	}
	return s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
		if _, ok := c.Students[actor.ID]; !ok {
			actor.ClearActiveClass(classID)
			return types.ErrNotInClass
		}
		if err := s.kick(ctx, c, actor, actor.IsGuest, false); err != nil {
			return err
		}
		s.broadcaster.Sound(c.ID, types.EventLeaveSound)
		s.broadcaster.ClassUpdate(c)
		log.Infof("user left class session: class=%d user=%d", c.ID, actor.ID)
		return nil
	})
}

// LeaveRoom withdraws actor from classID for good. When the owner leaves,
// the classroom itself is deleted.
func (s *Service) LeaveRoom(ctx context.Context, classID int64, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if actor.ID == c.Owner {
			return s.deleteClassroom(ctx, c)
		}

		if _, ok := c.Students[actor.ID]; !ok && actor.IsGuest {
			return types.ErrNotAMember
		}
		if !actor.IsGuest {
			if _, err := s.store.GetMembership(ctx, c.ID, actor.ID); err != nil {
				if errors.Is(err, interfaces.ErrNotFound) {
					return types.ErrNotAMember
				}
				return types.Internal(err, "failed to load membership")
			}
		}

		if err := s.kick(ctx, c, actor, true, false); err != nil {
			return err
		}
		s.broadcaster.Sound(c.ID, types.EventLeaveSound)
		s.broadcaster.ClassUpdate(c)
		log.Infof("user left class: class=%d user=%d", c.ID, actor.ID)
		return nil
	})
}

func (s *Service) deleteClassroom(ctx context.Context, c *types.Classroom) error {
	if err := s.store.DeleteClassroom(ctx, c.ID); err != nil {
		return types.Internal(err, "failed to delete class")
	}

	for id := range c.Students {
		if user, ok := s.registry.UserByID(id); ok {
			s.detachUser(c, user)
		}
	}
	if owner, ok := s.registry.UserByID(c.Owner); ok {
		s.detachUser(c, owner)
	}
	c.Students = make(map[int64]*types.Member)
	c.IsActive = false
	s.registry.Forget(c.ID)
	log.Infof("class deleted by owner: class=%d owner=%d", c.ID, c.Owner)
	return nil
}

// Logout runs when the last connection of email closes.
func (s *Service) Logout(ctx context.Context, email string) {
	user, ok := s.registry.User(email)
	if !ok {
		return
	}
	if classID := user.ActiveClass(); classID != 0 {
		_ = s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
			if member, ok := c.Students[user.ID]; ok {
				if user.IsGuest {
					delete(c.Students, user.ID)
				} else {
					clearSession(member, c.Poll.AllowMultipleResponses)
				}
			}
			user.ClearActiveClass(classID)
			s.broadcaster.Detach(email, classID)
			s.broadcaster.ClassUpdate(c)
			return nil
		})
	}
	if user.IsGuest {
		s.registry.RemoveUser(email)
	}
	log.Infof("user logged out: user=%d guest=%t", user.ID, user.IsGuest)
}

// Connected attaches a new connection to its user's active classroom and
// sends it the current state.
func (s *Service) Connected(ctx context.Context, conn interfaces.Connection) error {
	user, err := s.registry.LoadUser(ctx, conn.GetPrincipal())
	if err != nil {
		return err
	}
	classID := user.ActiveClass()
	if classID == 0 {
		return nil
	}

	err = s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
		member, ok := c.Students[user.ID]
		if !ok {
			user.ClearActiveClass(classID)
			return nil
		}
		member.Tags = classroom.MemberTags(member.Tags, true)
		s.broadcaster.SetClass(user.Email, classID, member.ClassPermissions)
		s.broadcaster.ClassUpdate(c)
		return nil
	})
	if errors.Is(err, types.ErrClassNotFound) {
		user.ClearActiveClass(classID)
		return nil
	}
	return err
}

// Disconnected logs principal out once none of their connections remain.
func (s *Service) Disconnected(ctx context.Context, principal types.Principal, remaining int) {
	if remaining > 0 {
		return
	}
	s.Logout(ctx, principal.Email)
}

// detachUser unsubscribes user's connections from c and forces a reload.
func (s *Service) detachUser(c *types.Classroom, user *types.UserSession) {
	user.ClearActiveClass(c.ID)
	s.broadcaster.Detach(user.Email, c.ID)
	s.broadcaster.Reload(user.Email)
}

// clearSession resets the per-session fields of a member who is no longer present.
func clearSession(member *types.Member, multiple bool) {
	member.Break = nil
	member.Help = nil
	member.PollRes.Reset(multiple)
	member.Tags = classroom.MemberTags(member.Tags, false)
}
