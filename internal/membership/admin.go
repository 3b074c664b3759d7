package membership

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/logging"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

const keyAttempts = 20

// StartClass opens classID for polls, breaks and help tickets.
func (s *Service) StartClass(ctx context.Context, classID int64, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "startClass"); err != nil {
			return err
		}
		c.IsActive = true
		s.broadcaster.Sound(c.ID, types.EventStartClassSound)
		s.broadcaster.Emit(c.ID, types.EventIsClassActive, true, broadcast.Filter{})
		s.broadcaster.ClassUpdate(c)
		log.Infof("class started: class=%d by=%d", c.ID, actor.ID)
		return nil
	})
}

// EndClass archives the poll, sends every member below teacher home and
// closes the class. Memberships are kept.
func (s *Service) EndClass(ctx context.Context, classID int64, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "endClass"); err != nil {
			return err
		}
		if err := s.polls.ClearClassroom(ctx, c, false); err != nil {
			return err
		}
		if err := s.kickAllBelow(ctx, c, types.TeacherPermissions, false); err != nil {
			return err
		}
		c.IsActive = false
		s.broadcaster.Emit(c.ID, types.EventIsClassActive, false, broadcast.Filter{})
		s.broadcaster.ClassUpdate(c)
		log.Infof("class ended: class=%d by=%d", c.ID, actor.ID)
		return nil
	})
}

// ChangeClassPermission sets userID's level in classID. Setting BANNED bans.
func (s *Service) ChangeClassPermission(ctx context.Context, classID, userID int64, level int, actor *types.UserSession) error {
	if !types.IsValidLevel(level) {
		return types.Validation("invalid_permission_level", "permission level must be between 0 and 5")
	}
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "classPermChange"); err != nil {
			return err
		}
		target, err := s.target(ctx, c, userID, actor, false)
		if err != nil {
			return err
		}
		if actor.ID != c.Owner && level >= classroom.ClassLevel(c, actor.ID) {
			return types.Forbidden("cannot_grant_level", "you cannot grant a level at or above your own")
		}
		member, ok := c.Students[userID]
		if !ok {
			return errMemberNotFound
		}
		if level == types.BannedPermissions {
			return s.ban(ctx, c, target)
		}

		if !target.IsGuest {
			if err := s.store.UpdateMembershipPermissions(ctx, c.ID, userID, level); err != nil {
				return types.Internal(err, "failed to change permissions")
			}
		}
		member.ClassPermissions = level
		s.broadcaster.SetClassPermissions(target.Email, c.ID, level)
		s.broadcaster.Reload(target.Email)
		s.broadcaster.ClassUpdate(c)
		log.Infof("class permission changed: class=%d user=%d level=%d by=%d", c.ID, userID, level, actor.ID)
		return nil
	})
}

// UpdateClassPermissions changes capability thresholds. Only the given
// capabilities change; each must be a known capability with a level of 1 to 5.
func (s *Service) UpdateClassPermissions(ctx context.Context, classID int64, permissions map[string]int, actor *types.UserSession) error {
	for capability, level := range permissions {
		if _, ok := types.DefaultClassPermissions[capability]; !ok {
			return types.Validation("unknown_capability", "unknown permission: "+capability)
		}
		if level < types.GuestPermissions || level > types.ManagerPermissions {
			return types.Validation("invalid_permission_level", "permission levels must be between 1 and 5")
		}
	}

	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "updateClassPermissions"); err != nil {
			return err
		}
		merged := make(map[string]int, len(c.Permissions))
		for capability, level := range c.Permissions {
			merged[capability] = level
		}
		for capability, level := range permissions {
			merged[capability] = level
		}
		normalized := types.NormalizePermissions(merged)

		if err := s.store.UpdateClassroomPermissions(ctx, c.ID, normalized); err != nil {
			return types.Internal(err, "failed to update class permissions")
		}
		c.Permissions = normalized
		s.broadcaster.ClassUpdate(c)
		return nil
	})
}

// SetTags replaces the class tag vocabulary and prunes member tags to it.
func (s *Service) SetTags(ctx context.Context, classID int64, tags []string, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "setTags"); err != nil {
			return err
		}
		vocabulary := classroom.NormalizeClassTags(tags)
		if err := s.store.UpdateClassroomTags(ctx, c.ID, vocabulary); err != nil {
			return types.Internal(err, "failed to save class tags")
		}
		c.Tags = vocabulary

		for id, member := range c.Students {
			if member.ClassPermissions <= types.BannedPermissions || member.ClassPermissions >= types.ManagerPermissions {
				continue
			}
			pruned := make([]string, 0, len(member.Tags))
			for _, tag := range member.Tags {
				if tag == types.TagExcluded || types.ContainsString(vocabulary, tag) {
					pruned = append(pruned, tag)
				}
			}
			if len(pruned) == len(member.Tags) {
				continue
			}
			if id > 0 {
				if err := s.store.UpdateMembershipTags(ctx, c.ID, id, classroom.PersistedTags(pruned)); err != nil {
					logging.Report(errors.Wrapf(err, "failed to prune tags of user %d", id),
						map[string]interface{}{"classId": c.ID, "userId": id})
					continue
				}
			}
			member.Tags = pruned
		}

		s.broadcaster.ClassUpdate(c)
		return nil
	})
}

// SaveMemberTags stores userID's tags. Offline follows whether the user is
// currently in the class.
func (s *Service) SaveMemberTags(ctx context.Context, classID, userID int64, tags []string, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "saveTags"); err != nil {
			return err
		}
		member, ok := c.Students[userID]
		if !ok {
			return errMemberNotFound
		}
		active := false
		if user, ok := s.registry.UserByID(userID); ok {
			active = user.ActiveClass() == c.ID
		}
		final := classroom.MemberTags(tags, active)

		if userID > 0 {
			if err := s.store.UpdateMembershipTags(ctx, c.ID, userID, classroom.PersistedTags(final)); err != nil && !errors.Is(err, interfaces.ErrNotFound) {
				return types.Internal(err, "failed to save tags")
			}
		}
		member.Tags = final
		s.broadcaster.ClassUpdate(c)
		return nil
	})
}

// Tags returns the tag vocabulary of classID.
func (s *Service) Tags(ctx context.Context, classID int64, actor *types.UserSession) ([]string, error) {
	var tags []string
	err := s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.RequireLevel(c, actor.ID, types.GuestPermissions); err != nil {
			return err
		}
		tags = append([]string{}, c.Tags...)
		return nil
	})
	return tags, err
}

// CreateClass creates a classroom owned by actor and joins them to it.
func (s *Service) CreateClass(ctx context.Context, actor *types.UserSession, name string) (JoinResult, error) {
	name = strings.TrimSpace(name)
	if actor.IsGuest || actor.Permissions < types.TeacherPermissions {
		return JoinResult{}, types.ErrNotAuthorized
	}
	if name == "" || len(name) > 100 {
		return JoinResult{}, types.Validation("invalid_class_name", "class name must be 1 to 100 characters")
	}

	key, err := s.freeKey(ctx)
	if err != nil {
		return JoinResult{}, err
	}
	permissions, err := json.Marshal(types.NormalizePermissions(nil))
	if err != nil {
		return JoinResult{}, types.Internal(err, "failed to encode permissions")
	}
	classID, err := s.store.CreateClassroom(ctx, &types.ClassroomRecord{
		Name:        name,
		Owner:       actor.ID,
		Key:         key,
		Tags:        `["Offline"]`,
		Permissions: string(permissions),
		Settings:    "{}",
	})
	if err != nil {
		return JoinResult{}, types.Internal(err, "failed to create class")
	}
	log.Infof("class created: class=%d owner=%d name=%q", classID, actor.ID, name)
	return s.join(ctx, classID, actor, false)
}

// RegenerateKey gives classID a new join code.
func (s *Service) RegenerateKey(ctx context.Context, classID int64, actor *types.UserSession) (string, error) {
	var key string
	err := s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "regenerateKey"); err != nil {
			return err
		}
		next, err := s.freeKey(ctx)
		if err != nil {
			return err
		}
		if err := s.store.UpdateClassroomKey(ctx, c.ID, next); err != nil {
			return types.Internal(err, "failed to change class code")
		}
		c.Key = next
		key = next
		s.broadcaster.ClassUpdate(c)
		return nil
	})
	return key, err
}

// freeKey generates a join code no classroom uses yet.
func (s *Service) freeKey(ctx context.Context) (string, error) {
	for i := 0; i < keyAttempts; i++ {
		key := classroom.GenerateKey(classroom.KeyLength)
		_, err := s.store.GetClassroomByKey(ctx, key)
		if errors.Is(err, interfaces.ErrNotFound) {
			return key, nil
		}
		if err != nil {
			return "", types.Internal(err, "failed to check class code")
		}
	}
	return "", types.Conflict("key_exhausted", "could not generate a unique class code")
}
