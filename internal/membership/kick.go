package membership

import (
	"context"
	"sort"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// KickOptions selects how far a kick goes.
type KickOptions struct {
	ExitRoom bool `json:"exitRoom"`
	Ban      bool `json:"ban"`
}

var errMemberNotFound = types.NotFound("member_not_found", "that user is not in this class")

// KickStudent removes userID's session from classID, and with ExitRoom their
// membership too.
func (s *Service) KickStudent(ctx context.Context, classID, userID int64, opts KickOptions, actor *types.UserSession) error {
	action := "classKickUser"
	if opts.Ban {
		action = "classBanUser"
	}
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, action); err != nil {
			return err
		}
		target, err := s.target(ctx, c, userID, actor, opts.Ban)
		if err != nil {
			return err
		}
		if opts.Ban {
			return s.ban(ctx, c, target)
		}
		if err := s.kick(ctx, c, target, opts.ExitRoom, false); err != nil {
			return err
		}
		s.broadcaster.ClassUpdate(c)
		return nil
	})
}

// KickAllBelow kicks every member under threshold. classKickStudents uses
// exitRoom; ending a class does not.
func (s *Service) KickAllBelow(ctx context.Context, classID int64, threshold int, exitRoom bool, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "classKickStudents"); err != nil {
			return err
		}
		if err := s.kickAllBelow(ctx, c, threshold, exitRoom); err != nil {
			return err
		}
		s.broadcaster.Sound(c.ID, types.EventKickStudentsSound)
		s.broadcaster.ClassUpdate(c)
		return nil
	})
}

func (s *Service) kickAllBelow(ctx context.Context, c *types.Classroom, threshold int, exitRoom bool) error {
	ids := make([]int64, 0, len(c.Students))
	for id, member := range c.Students {
		if id != c.Owner && member.ClassPermissions < threshold {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	kicked := 0
	for _, id := range ids {
		user, ok := s.registry.UserByID(id)
		if !ok {
			delete(c.Students, id)
			continue
		}
		if err := s.kick(ctx, c, user, exitRoom, false); err != nil {
			return err
		}
		kicked++
	}
	log.Infof("students kicked: class=%d below=%d count=%d exitRoom=%t", c.ID, threshold, kicked, exitRoom)
	return nil
}

// kick clears user's session in c. Guests and exitRoom/ban kicks remove the
// roster entry; otherwise the member stays, marked offline.
func (s *Service) kick(ctx context.Context, c *types.Classroom, user *types.UserSession, exitRoom, ban bool) error {
	member, ok := c.Students[user.ID]

	switch {
	case user.IsGuest:
	case ban:
		if err := s.store.UpdateMembershipPermissions(ctx, c.ID, user.ID, types.BannedPermissions); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return errMemberNotFound
			}
			return types.Internal(err, "failed to ban user")
		}
	case exitRoom:
		if err := s.store.DeleteMembership(ctx, c.ID, user.ID); err != nil {
			return types.Internal(err, "failed to remove user from class")
		}
	case !ok:
		return errMemberNotFound
	}

	if user.IsGuest || exitRoom || ban {
		delete(c.Students, user.ID)
	} else {
		clearSession(member, c.Poll.AllowMultipleResponses)
	}
	s.detachUser(c, user)
	log.Infof("user kicked: class=%d user=%d exitRoom=%t ban=%t", c.ID, user.ID, exitRoom, ban)
	return nil
}

// BanUser bans userID from classID and kicks them.
func (s *Service) BanUser(ctx context.Context, classID, userID int64, actor *types.UserSession) error {
	return s.KickStudent(ctx, classID, userID, KickOptions{Ban: true}, actor)
}

func (s *Service) ban(ctx context.Context, c *types.Classroom, target *types.UserSession) error {
	if err := s.kick(ctx, c, target, false, true); err != nil {
		return err
	}
	s.broadcaster.Sound(c.ID, types.EventLeaveSound)
	s.bannedUsersUpdate(ctx, c)
	s.broadcaster.ClassUpdate(c)
	return nil
}

// UnbanUser lifts a ban; the user may rejoin as a guest-level member.
func (s *Service) UnbanUser(ctx context.Context, classID, userID int64, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "classUnbanUser"); err != nil {
			return err
		}
		stored, err := s.store.GetMembership(ctx, c.ID, userID)
		if errors.Is(err, interfaces.ErrNotFound) || (err == nil && stored.Permissions != types.BannedPermissions) {
			return types.NotFound("not_banned", "that user is not banned from this class")
		}
		if err != nil {
			return types.Internal(err, "failed to load membership")
		}

		if err := s.store.UpdateMembershipPermissions(ctx, c.ID, userID, types.GuestPermissions); err != nil {
			return types.Internal(err, "failed to unban user")
		}
		log.Infof("user unbanned: class=%d user=%d", c.ID, userID)
		s.bannedUsersUpdate(ctx, c)
		return nil
	})
}

// BannedUsers lists the banned members of classID.
func (s *Service) BannedUsers(ctx context.Context, classID int64, actor *types.UserSession) ([]types.RosterRecord, error) {
	var banned []types.RosterRecord
	err := s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "classBannedUsersUpdate"); err != nil {
			return err
		}
		records, err := s.store.ListBannedUsers(ctx, c.ID)
		if err != nil {
			return types.Internal(err, "failed to list banned users")
		}
		banned = records
		return nil
	})
	return banned, err
}

// bannedUsersUpdate pushes the ban list to members who manage students.
func (s *Service) bannedUsersUpdate(ctx context.Context, c *types.Classroom) {
	banned, err := s.store.ListBannedUsers(ctx, c.ID)
	if err != nil {
		log.Warnf("failed to refresh banned users: class=%d: %v", c.ID, err)
		return
	}
	s.broadcaster.Emit(c.ID, types.EventClassBannedUsersUpdate, banned,
		broadcast.Filter{MinClassLevel: c.Permissions[types.CapManageStudents]})
}

// target resolves the member userID for an administrative action by actor.
// Only the owner may act on members at or above their own level. With stored,
// a persisted membership that is not in the live roster also qualifies.
func (s *Service) target(ctx context.Context, c *types.Classroom, userID int64, actor *types.UserSession, stored bool) (*types.UserSession, error) {
	if userID == c.Owner {
		return nil, types.Forbidden("cannot_modify_owner", "the class owner cannot be changed")
	}

	level := -1
	if member, ok := c.Students[userID]; ok {
		level = member.ClassPermissions
	} else if stored {
		record, err := s.store.GetMembership(ctx, c.ID, userID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, errMemberNotFound
		}
		if err != nil {
			return nil, types.Internal(err, "failed to load membership")
		}
		level = record.Permissions
	} else {
		return nil, errMemberNotFound
	}
	if actor.ID != c.Owner && level >= classroom.ClassLevel(c, actor.ID) {
		return nil, types.ErrNotAuthorized
	}

	if user, ok := s.registry.UserByID(userID); ok {
		return user, nil
	}
	if !stored {
		return nil, errMemberNotFound
	}
	record, err := s.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			return nil, errMemberNotFound
		}
		return nil, types.Internal(err, "failed to load user")
	}
	return &types.UserSession{
		ID:          record.ID,
		Email:       record.Email,
		DisplayName: record.DisplayName,
		Permissions: record.Permissions,
	}, nil
}
