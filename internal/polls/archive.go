package polls

import (
	"context"
	"sort"
	"time"

	"github.com/labstack/gommon/log"
	"github.com/pkg/errors"

	"formbar/internal/logging"
	"formbar/internal/metrics"
	"formbar/pkg/types"
)

// archive writes the active poll of c to poll_history and the final answers
// to poll_answers. Only the history row is required; a failed answer upsert
// is reported and the archive still counts.
func (s *Service) archive(ctx context.Context, c *types.Classroom) error {
	now := s.now()
	record := &types.PollRecord{
		ClassID:                c.ID,
		Prompt:                 c.Poll.Prompt,
		Responses:              append([]types.AnswerOption{}, c.Poll.Responses...),
		AllowMultipleResponses: c.Poll.AllowMultipleResponses,
		Blind:                  c.Poll.Blind,
		AllowTextResponses:     c.Poll.AllowTextResponses,
		Answers:                s.finalAnswers(c, now),
		CreatedAt:              now,
	}

	pollID, err := s.store.InsertPollHistory(ctx, record)
	if err != nil {
		return types.Internal(err, "failed to archive poll")
	}
	for i := range record.Answers {
		record.Answers[i].PollID = pollID
	}

	persisted := make([]types.PollAnswer, 0, len(record.Answers))
	for _, answer := range record.Answers {
		if answer.UserID > 0 {
			persisted = append(persisted, answer)
		}
	}
	if err := s.store.InsertPollAnswers(ctx, persisted); err != nil {
		logging.Report(errors.Wrapf(err, "failed to store answers of poll %d", pollID),
			map[string]interface{}{"classId": c.ID, "pollId": pollID})
	}

	c.PollHistory = append(c.PollHistory, *record)
	metrics.PollsArchived.Inc()
	log.Infof("poll archived: class=%d poll=%d prompt=%q answers=%d", c.ID, pollID, record.Prompt, len(record.Answers))
	return nil
}

// finalAnswers collects the non-empty responses of members below manager,
// ordered by user id.
func (s *Service) finalAnswers(c *types.Classroom, now time.Time) []types.PollAnswer {
	ids := make([]int64, 0, len(c.Students))
	for id := range c.Students {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	answers := make([]types.PollAnswer, 0, len(ids))
	for _, id := range ids {
		member := c.Students[id]
		if member.ClassPermissions >= types.ManagerPermissions || member.PollRes.IsEmpty() {
			continue
		}
		answer := types.PollAnswer{
			ClassID:        c.ID,
			UserID:         id,
			ButtonResponse: append([]string{}, member.PollRes.Buttons...),
			TextResponse:   member.PollRes.Text,
			CreatedAt:      now,
		}
		if member.PollRes.Time != nil {
			answer.CreatedAt = *member.PollRes.Time
		}
		if user, ok := s.registry.UserByID(id); ok {
			answer.Email = user.Email
		}
		answers = append(answers, answer)
	}
	return answers
}
