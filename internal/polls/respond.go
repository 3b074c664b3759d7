package polls

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/classroom"
	"formbar/internal/logging"
	"formbar/internal/metrics"
	"formbar/pkg/types"
)

// Respond records actor's answer to the active poll of classID. Ineligible
// or invalid answers are dropped silently; the return value only reports
// whether the answer was taken, for logging and metrics.
func (s *Service) Respond(ctx context.Context, classID int64, actor *types.UserSession, response types.ResponseValue, text string) bool {
	accepted := false
	err := s.registry.WithLoadedClassroom(classID, func(c *types.Classroom) error {
		reason := s.respond(ctx, c, actor, response, text)
		if reason != "" {
			log.Debugf("poll response dropped: class=%d user=%d reason=%s", c.ID, actor.ID, reason)
			metrics.PollResponses.WithLabelValues(metrics.ResultRejected).Inc()
			return nil
		}
		accepted = true
		metrics.PollResponses.WithLabelValues(metrics.ResultOK).Inc()
		return nil
	})
	if err != nil {
		metrics.PollResponses.WithLabelValues(metrics.ResultRejected).Inc()
	}
	return accepted
}

// respond applies the answer and returns why it was dropped, or "".
func (s *Service) respond(ctx context.Context, c *types.Classroom, actor *types.UserSession, response types.ResponseValue, text string) string {
	poll := &c.Poll
	if !c.IsActive || !poll.Status {
		return "no_active_poll"
	}
	member, ok := c.Students[actor.ID]
	if !ok {
		return "not_a_member"
	}
	if actor.ActiveClass() != c.ID {
		return "not_in_session"
	}
	if classroom.ClassLevel(c, actor.ID) < types.StudentPermissions {
		return "insufficient_permissions"
	}
	if poll.IsExcludedRespondent(actor.ID) || member.HasTag(types.TagExcluded) {
		return "excluded"
	}
	if len(poll.StudentsAllowedToVote) > 0 && !containsID(poll.StudentsAllowedToVote, actor.ID) {
		return "not_allowed"
	}

	buttons, removing, ok := parseResponse(poll, response)
	if !ok {
		return "invalid_answer"
	}
	if removing || !poll.AllowTextResponses {
		text = ""
	}

	changed := !sameAnswers(member.PollRes.Buttons, buttons) || member.PollRes.Text != text
	if !changed {
		return ""
	}
	if !poll.AllowVoteChanges && !member.PollRes.IsEmpty() {
		return "vote_changes_disabled"
	}

	if removing {
		member.PollRes.Reset(poll.AllowMultipleResponses)
	} else {
		now := s.now()
		member.PollRes = types.PollResponse{
			Buttons:  buttons,
			Multiple: poll.AllowMultipleResponses,
			Text:     text,
			Time:     &now,
		}
		if !poll.Rewarded[actor.ID] {
			s.reward(ctx, c, actor, answerPoints(poll, buttons))
		}
	}

	if removing {
		s.broadcaster.Sound(c.ID, types.EventRemovePollSound)
	} else {
		s.broadcaster.Sound(c.ID, types.EventPollSound)
	}
	s.broadcaster.ClassUpdate(c)
	return ""
}

// parseResponse validates response against the poll. Multi-select answers
// are all-or-nothing; "remove" or an empty list withdraws the answer.
func parseResponse(poll *types.Poll, response types.ResponseValue) (buttons []string, removing bool, ok bool) {
	if !response.IsList {
		answer := ""
		if len(response.Values) > 0 {
			answer = response.Values[0]
		}
		if answer == types.RemoveResponse {
			return nil, true, true
		}
		if poll.AllowMultipleResponses || !poll.HasAnswer(answer) {
			return nil, false, false
		}
		return []string{answer}, false, true
	}

	if !poll.AllowMultipleResponses {
		return nil, false, false
	}
	if len(response.Values) == 0 {
		return nil, true, true
	}
	for _, answer := range response.Values {
		if !poll.HasAnswer(answer) {
			return nil, false, false
		}
		if !types.ContainsString(buttons, answer) {
			buttons = append(buttons, answer)
		}
	}
	return buttons, false, true
}

// answerPoints is the pog meter credit of an answer: 100 per unit of weight.
func answerPoints(poll *types.Poll, buttons []string) int {
	weight := 0.0
	for _, answer := range buttons {
		weight += poll.AnswerWeight(answer)
	}
	return int(math.Floor(100 * weight))
}

// reward advances actor's pog meter and pays out every rollover. If the first
// payout fails the meter is left alone; a later failure keeps the unpaid
// rollovers on the meter.
func (s *Service) reward(ctx context.Context, c *types.Classroom, actor *types.UserSession, points int) {
	if actor.IsGuest || points <= 0 {
		return
	}

	meter, rollovers := types.AdvancePogMeter(actor.PogMeter(), points, s.rewards.Threshold)
	for i := 0; i < rollovers; i++ {
		amount := s.rewards.MinDigipogs + rand.Intn(s.rewards.MaxDigipogs-s.rewards.MinDigipogs+1)
		award := types.DigipogAward{
			UserID:    actor.ID,
			ClassID:   c.ID,
			Amount:    amount,
			Reason:    fmt.Sprintf("pog meter reached %d", s.rewards.Threshold),
			CreatedAt: s.now(),
		}
		if err := s.store.AwardDigipogs(ctx, award); err != nil {
			logging.Report(errors.Wrapf(err, "failed to award digipogs to user %d", actor.ID),
				map[string]interface{}{"classId": c.ID, "userId": actor.ID, "amount": amount})
			if i == 0 {
				return
			}
			meter += (rollovers - i) * s.rewards.Threshold
			break
		}
		metrics.DigipogsAwarded.Add(float64(amount))
		log.Infof("digipogs awarded: class=%d user=%d amount=%d", c.ID, actor.ID, amount)
	}

	actor.SetPogMeter(meter)
	if c.Poll.Rewarded == nil {
		c.Poll.Rewarded = make(map[int64]bool)
	}
	c.Poll.Rewarded[actor.ID] = true
}

func sameAnswers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func containsID(ids []int64, id int64) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}
