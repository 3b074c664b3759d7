// Package polls runs the poll lifecycle of a classroom: starting, editing,
// ending and archiving the single active poll, and accepting votes.
package polls

import (
	"context"
	"math"
	"time"

	"github.com/labstack/gommon/log"

	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

// Rewards configures the pog meter.
type Rewards struct {
	Threshold   int
	MinDigipogs int
	MaxDigipogs int
}

// DefaultRewards wraps the meter at 500 and pays 1 to 10 digipogs per rollover.
func DefaultRewards() Rewards {
	return Rewards{Threshold: 500, MinDigipogs: 1, MaxDigipogs: 10}
}

// Service implements the poll operations. Every mutation runs under the
// classroom lock: persist, mutate memory, then broadcast.
type Service struct {
	store       interfaces.Store
	registry    *classroom.Registry
	broadcaster *broadcast.Broadcaster
	rewards     Rewards
	now         func() time.Time
}

// New creates a poll service.
func New(store interfaces.Store, registry *classroom.Registry, broadcaster *broadcast.Broadcaster, rewards Rewards) *Service {
	if rewards.Threshold <= 0 {
		rewards = DefaultRewards()
	}
	if rewards.MaxDigipogs < rewards.MinDigipogs {
		rewards.MaxDigipogs = rewards.MinDigipogs
	}
	return &Service{
		store:       store,
		registry:    registry,
		broadcaster: broadcaster,
		rewards:     rewards,
		now:         time.Now,
	}
}

// Execute authorizes actor for cmd in classID and applies it.
func (s *Service) Execute(ctx context.Context, classID int64, actor *types.UserSession, cmd Command) error {
	return s.registry.WithClassroom(ctx, classID, func(c *types.Classroom) error {
		if err := classroom.Authorize(c, actor.ID, cmd.action()); err != nil {
			return err
		}

		switch cmd := cmd.(type) {
		case StartPoll:
			return s.start(ctx, c, cmd.Spec)
		case SetField:
			return s.setField(c, cmd)
		case EndPoll:
			return s.end(ctx, c)
		case ClearPoll:
			return s.ClearClassroom(ctx, c, cmd.Notify)
		default:
			return types.Validation("unknown_command", "unknown poll command")
		}
	})
}

func (s *Service) start(ctx context.Context, c *types.Classroom, spec types.PollSpec) error {
	if !c.IsActive {
		return types.ErrClassInactive
	}
	if err := spec.Validate(); err != nil {
		return err
	}
	if err := s.ClearClassroom(ctx, c, false); err != nil {
		return err
	}

	poll := types.NewPoll()
	poll.Prompt = spec.Prompt
	poll.Blind = spec.Blind
	poll.AllowTextResponses = spec.AllowTextResponses
	poll.AllowMultipleResponses = spec.AllowMultipleResponses
	poll.AllowVoteChanges = spec.AllowVoteChanges == nil || *spec.AllowVoteChanges
	if spec.Weight > 0 {
		poll.Weight = spec.Weight
	}
	if spec.ExcludedRespondents != nil {
		poll.ExcludedRespondents = append([]int64{}, spec.ExcludedRespondents...)
	}
	poll.Responses = buildAnswers(spec.Answers)
	startTime := s.now()
	poll.StartTime = &startTime
	poll.Status = true

	c.Poll = poll
	for _, member := range c.Students {
		member.PollRes.Reset(poll.AllowMultipleResponses)
	}

	log.Infof("poll started: class=%d prompt=%q answers=%d multiple=%t blind=%t",
		c.ID, poll.Prompt, len(poll.Responses), poll.AllowMultipleResponses, poll.Blind)
	s.broadcaster.ClassUpdate(c)
	return nil
}

func (s *Service) end(ctx context.Context, c *types.Classroom) error {
	if !c.Poll.Status {
		return nil
	}
	if err := s.archive(ctx, c); err != nil {
		return err
	}
	c.Poll.Status = false
	log.Infof("poll ended: class=%d prompt=%q", c.ID, c.Poll.Prompt)
	s.broadcaster.ClassUpdate(c)
	return nil
}

// ClearClassroom archives the active poll, if any, and resets c to a fresh
// inactive poll. Must be called with the classroom lock held.
func (s *Service) ClearClassroom(ctx context.Context, c *types.Classroom, notify bool) error {
	if c.Poll.Status {
		if err := s.archive(ctx, c); err != nil {
			return err
		}
	}

	c.Poll = types.NewPoll()
	for _, member := range c.Students {
		member.PollRes.Reset(false)
	}
	if notify {
		s.broadcaster.ClassUpdate(c)
	}
	return nil
}

// ResponseInformation returns the current response counters of classID.
func (s *Service) ResponseInformation(classID int64) (classroom.ResponseInfo, error) {
	var info classroom.ResponseInfo
	err := s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
		info = s.registry.ResponseInformation(c)
		return nil
	})
	return info, err
}

// buildAnswers fills in default labels, colors and weights.
func buildAnswers(specs []types.AnswerSpec) []types.AnswerOption {
	colors := classroom.GenerateColors(len(specs))
	answers := make([]types.AnswerOption, 0, len(specs))
	for i, spec := range specs {
		option := types.AnswerOption{
			Answer:  spec.Answer,
			Color:   spec.Color,
			Weight:  clampWeight(spec.Weight),
			Correct: spec.Correct,
		}
		if option.Answer == "" {
			option.Answer = string(rune('a' + i))
		}
		if option.Color == "" {
			option.Color = colors[i]
		}
		answers = append(answers, option)
	}
	return answers
}

// clampWeight keeps an answer weight in (0, 5] with two decimals.
func clampWeight(weight *float64) float64 {
	if weight == nil || math.IsNaN(*weight) || *weight <= 0 {
		return 1
	}
	w := math.Floor(*weight*100) / 100
	if w <= 0 {
		return 1
	}
	return math.Min(w, 5)
}
