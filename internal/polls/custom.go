package polls

import (
	"context"
	"sort"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/classroom"
	"formbar/internal/logging"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

const defaultHistoryLimit = 50

// CustomPollPayload is the customPollUpdate event body.
type CustomPollPayload struct {
	PublicPolls     []int64                    `json:"publicPolls"`
	ClassroomPolls  []int64                    `json:"classroomPolls"`
	UserCustomPolls []int64                    `json:"userCustomPolls"`
	CustomPolls     map[int64]types.CustomPoll `json:"customPolls"`
}

// CustomPollInput is a poll template as submitted by a client.
type CustomPollInput struct {
	ID               int64              `json:"id"`
	Name             string             `json:"name" validate:"max=100"`
	Prompt           string             `json:"prompt" validate:"max=1000"`
	Answers          []types.AnswerSpec `json:"answers" validate:"max=26,dive"`
	TextRes          bool               `json:"textRes"`
	Blind            bool               `json:"blind"`
	AllowVoteChanges *bool              `json:"allowVoteChanges"`
	Weight           float64            `json:"weight" validate:"gte=0,lte=5"`
	Public           bool               `json:"public"`
}

// History returns the archived polls of classID, newest first.
func (s *Service) History(ctx context.Context, classID int64, actor *types.UserSession, offset, limit int) ([]types.PollRecord, error) {
	err := s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if !classroom.HasControlPanel(c, actor.ID) {
			if classroom.ClassLevel(c, actor.ID) < 0 {
				return types.ErrNotInClass
			}
			return types.ErrNotAuthorized
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if offset < 0 {
		offset = 0
	}
	records, err := s.store.ListPollHistory(ctx, classID, offset, limit)
	if err != nil {
		return nil, types.Internal(err, "failed to load poll history")
	}
	return records, nil
}

// SavePoll creates a template owned by actor, or updates one actor owns
// when input carries an id.
func (s *Service) SavePoll(ctx context.Context, actor *types.UserSession, input CustomPollInput) (int64, error) {
	if err := types.ValidateStruct(&input); err != nil {
		return 0, err
	}
	if err := s.canManageTemplates(ctx, actor); err != nil {
		return 0, err
	}

	poll := &types.CustomPoll{
		ID:               input.ID,
		Owner:            actor.ID,
		Name:             input.Name,
		Prompt:           input.Prompt,
		Answers:          buildAnswers(input.Answers),
		TextRes:          input.TextRes,
		Blind:            input.Blind,
		AllowVoteChanges: input.AllowVoteChanges == nil || *input.AllowVoteChanges,
		Weight:           input.Weight,
		Public:           input.Public,
	}
	if poll.Weight == 0 {
		poll.Weight = 1
	}

	if poll.ID != 0 {
		existing, err := s.store.GetCustomPoll(ctx, poll.ID)
		if errors.Is(err, interfaces.ErrNotFound) {
			return 0, types.NotFound("poll_not_found", "poll not found")
		}
		if err != nil {
			return 0, types.Internal(err, "failed to load poll")
		}
		if existing.Owner != actor.ID {
			return 0, types.Forbidden("not_poll_owner", "you do not have permission to edit this poll")
		}
		if err := s.store.UpdateCustomPoll(ctx, poll); err != nil {
			return 0, types.Internal(err, "failed to save poll")
		}
	} else if _, err := s.store.InsertCustomPoll(ctx, poll); err != nil {
		return 0, types.Internal(err, "failed to save poll")
	}

	log.Infof("custom poll saved: id=%d owner=%d public=%t", poll.ID, actor.ID, poll.Public)
	s.notifyCustomPolls(ctx, actor.Email)
	return poll.ID, nil
}

// canManageTemplates allows registered users who control polls in their
// active class, or teachers outside a class.
func (s *Service) canManageTemplates(ctx context.Context, actor *types.UserSession) error {
	if actor.IsGuest {
		return types.ErrNotAuthorized
	}
	classID := actor.ActiveClass()
	if classID == 0 {
		if actor.Permissions < types.TeacherPermissions {
			return types.ErrNotAuthorized
		}
		return nil
	}
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		return classroom.Authorize(c, actor.ID, "savePoll")
	})
}

// SharePollToClass makes a template available to every member of classID.
func (s *Service) SharePollToClass(ctx context.Context, classID, pollID int64, actor *types.UserSession) error {
	var members []string
	err := s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "sharePollToClass"); err != nil {
			return err
		}
		if _, err := s.store.GetCustomPoll(ctx, pollID); err != nil {
			if errors.Is(err, interfaces.ErrNotFound) {
				return types.NotFound("poll_not_found", "poll not found")
			}
			return types.Internal(err, "failed to load poll")
		}
		for _, id := range c.SharedPolls {
			if id == pollID {
				return types.Conflict("poll_already_shared", "poll is already shared with this class")
			}
		}

		if err := s.store.ShareClassPoll(ctx, classID, pollID); err != nil {
			return types.Internal(err, "failed to share poll")
		}
		c.SharedPolls = append(c.SharedPolls, pollID)
		sort.Slice(c.SharedPolls, func(i, j int) bool { return c.SharedPolls[i] < c.SharedPolls[j] })
		members = s.memberEmails(c)
		log.Infof("poll shared: class=%d poll=%d", classID, pollID)
		return nil
	})
	if err != nil {
		return err
	}
	for _, email := range members {
		s.notifyCustomPolls(ctx, email)
	}
	return nil
}

// RemoveClassPollShare withdraws a shared template from classID.
func (s *Service) RemoveClassPollShare(ctx context.Context, classID, pollID int64, actor *types.UserSession) error {
	var members []string
	err := s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, "removeClassPollShare"); err != nil {
			return err
		}
		index := -1
		for i, id := range c.SharedPolls {
			if id == pollID {
				index = i
				break
			}
		}
		if index < 0 {
			return types.NotFound("poll_not_shared", "poll is not shared with this class")
		}

		if err := s.store.UnshareClassPoll(ctx, classID, pollID); err != nil {
			return types.Internal(err, "failed to unshare poll")
		}
		c.SharedPolls = append(c.SharedPolls[:index:index], c.SharedPolls[index+1:]...)
		members = s.memberEmails(c)
		log.Infof("poll unshared: class=%d poll=%d", classID, pollID)
		return nil
	})
	if err != nil {
		return err
	}
	for _, email := range members {
		s.notifyCustomPolls(ctx, email)
	}
	return nil
}

// CustomPollUpdate pushes the templates visible to email to all of their
// connections: their own, public ones and those shared with their class.
func (s *Service) CustomPollUpdate(ctx context.Context, email string) error {
	user, ok := s.registry.User(email)
	if !ok {
		return types.ErrUserNotFound
	}

	classPolls := []int64{}
	if classID := user.ActiveClass(); classID != 0 {
		_ = s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
			classPolls = append(classPolls, c.SharedPolls...)
			return nil
		})
	}

	polls, err := s.store.ListCustomPolls(ctx, user.ID, classPolls)
	if err != nil {
		return types.Internal(err, "failed to load custom polls")
	}

	payload := CustomPollPayload{
		PublicPolls:     []int64{},
		ClassroomPolls:  classPolls,
		UserCustomPolls: []int64{},
		CustomPolls:     make(map[int64]types.CustomPoll, len(polls)),
	}
	for _, poll := range polls {
		payload.CustomPolls[poll.ID] = poll
		if poll.Public {
			payload.PublicPolls = append(payload.PublicPolls, poll.ID)
		}
		if poll.Owner == user.ID {
			payload.UserCustomPolls = append(payload.UserCustomPolls, poll.ID)
		}
	}
	s.broadcaster.EmitToUser(email, types.EventCustomPollUpdate, payload)
	return nil
}

func (s *Service) notifyCustomPolls(ctx context.Context, email string) {
	if err := s.CustomPollUpdate(ctx, email); err != nil && types.KindOf(err) == types.KindInternal {
		logging.Report(err, map[string]interface{}{"email": email})
	}
}

func (s *Service) memberEmails(c *types.Classroom) []string {
	emails := make([]string, 0, len(c.Students))
	for id := range c.Students {
		if user, ok := s.registry.UserByID(id); ok {
			emails = append(emails, user.Email)
		}
	}
	return emails
}
