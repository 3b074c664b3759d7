package membership

import (
	"context"
	"strings"
	"time"

	"github.com/labstack/gommon/log"

	"formbar/internal/classroom"
	"formbar/pkg/types"
)

const maxReasonLength = 500

var (
	errReasonRequired = types.Validation("reason_required", "a reason is required")
	errReasonTooLong  = types.Validation("reason_too_long", "reason is too long")
	errNoBreak        = types.NotFound("no_break_request", "that user has not requested a break")
	errNoHelp         = types.NotFound("no_help_ticket", "that user has no open help ticket")
)

func cleanReason(reason string) (string, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return "", errReasonRequired
	}
	if len(reason) > maxReasonLength {
		return "", errReasonTooLong
	}
	return reason, nil
}

// withOwnMember runs fn on actor's roster entry in classID, requiring level.
func (s *Service) withOwnMember(classID int64, actor *types.UserSession, level int, fn func(c *types.Classroom, member *types.Member) error) error {
	return s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
		if err := classroom.RequireLevel(c, actor.ID, level); err != nil {
			return err
		}
		member, ok := c.Students[actor.ID]
		if !ok {
			return types.ErrNotInClass
		}
		return fn(c, member)
	})
}

// RequestBreak files actor's break request.
func (s *Service) RequestBreak(ctx context.Context, classID int64, reason string, actor *types.UserSession) error {
	reason, err := cleanReason(reason)
	if err != nil {
		return err
	}
	return s.withOwnMember(classID, actor, types.StudentPermissions, func(c *types.Classroom, member *types.Member) error {
		if !c.IsActive {
			return types.ErrClassInactive
		}
		member.Break = &types.BreakTicket{Reason: reason}
		s.broadcaster.Sound(c.ID, types.EventBreakSound)
		s.broadcaster.ClassUpdate(c)
		log.Infof("break requested: class=%d user=%d", c.ID, actor.ID)
		return nil
	})
}

// ApproveBreak approves or denies userID's pending break request.
func (s *Service) ApproveBreak(ctx context.Context, classID, userID int64, approved bool, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "approveBreak"); err != nil {
			return err
		}
		member, ok := c.Students[userID]
		if !ok {
			return errMemberNotFound
		}
		if member.Break == nil {
			return errNoBreak
		}

		if approved {
			member.Break.Approved = true
		} else {
			member.Break = nil
		}
		if user, ok := s.registry.UserByID(userID); ok {
			s.broadcaster.EmitToUser(user.Email, types.EventBreak, approved)
		}
		s.broadcaster.ClassUpdate(c)
		log.Infof("break reviewed: class=%d user=%d approved=%t by=%d", c.ID, userID, approved, actor.ID)
		return nil
	})
}

// EndBreak returns actor from their break.
func (s *Service) EndBreak(ctx context.Context, classID int64, actor *types.UserSession) error {
	return s.withOwnMember(classID, actor, types.StudentPermissions, func(c *types.Classroom, member *types.Member) error {
		if member.Break == nil {
			return nil
		}
		member.Break = nil
		s.broadcaster.EmitToUser(actor.Email, types.EventBreak, false)
		s.broadcaster.ClassUpdate(c)
		return nil
	})
}

// SendHelp opens a help ticket for actor.
func (s *Service) SendHelp(ctx context.Context, classID int64, reason string, actor *types.UserSession) error {
	reason, err := cleanReason(reason)
	if err != nil {
		return err
	}
	return s.withOwnMember(classID, actor, types.StudentPermissions, func(c *types.Classroom, member *types.Member) error {
		if !c.IsActive {
			return types.ErrClassInactive
		}
		if member.Help != nil && member.Help.Reason == reason {
			return types.Conflict("help_already_requested", "you already sent that help request")
		}
		member.Help = &types.HelpTicket{Reason: reason, Time: time.Now()}
		s.broadcaster.Sound(c.ID, types.EventHelpSound)
		s.broadcaster.ClassUpdate(c)
		log.Infof("help requested: class=%d user=%d", c.ID, actor.ID)
		return nil
	})
}

// DeleteHelp closes userID's help ticket.
func (s *Service) DeleteHelp(ctx context.Context, classID, userID int64, actor *types.UserSession) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "deleteTicket"); err != nil {
			return err
		}
		member, ok := c.Students[userID]
		if !ok {
			return errMemberNotFound
		}
		if member.Help == nil {
			return errNoHelp
		}
		member.Help = nil
		s.broadcaster.ClassUpdate(c)
		return nil
	})
}
