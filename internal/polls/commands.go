package polls

import (
	"encoding/json"
	"math"

	"formbar/pkg/types"
)

// Command is one explicit poll state transition.
type Command interface {
	action() string
}

// StartPoll archives any active poll and starts a new one from Spec.
type StartPoll struct {
	Spec types.PollSpec
}

// SetField changes a single setting of the current poll.
type SetField struct {
	Name  string          `json:"name"`
	Value json.RawMessage `json:"value"`
}

// EndPoll closes voting and archives the poll. Results stay visible until
// the poll is cleared.
type EndPoll struct{}

// ClearPoll archives the active poll, if any, and resets the classroom to
// an empty inactive poll.
type ClearPoll struct {
	Notify bool
}

func (StartPoll) action() string { return "startPoll" }
func (SetField) action() string  { return "updatePoll" }
func (EndPoll) action() string   { return "endPoll" }
func (ClearPoll) action() string { return "clearPoll" }

func (s *Service) setField(c *types.Classroom, cmd SetField) error {
	poll := &c.Poll
	var err error

	switch cmd.Name {
	case "prompt":
		var prompt string
		if err = json.Unmarshal(cmd.Value, &prompt); err == nil {
			if len(prompt) > 1000 {
				return types.Validation("invalid_poll_field", "prompt is too long")
			}
			poll.Prompt = prompt
		}
	case "blind":
		err = json.Unmarshal(cmd.Value, &poll.Blind)
	case "allowTextResponses":
		err = json.Unmarshal(cmd.Value, &poll.AllowTextResponses)
	case "allowVoteChanges":
		err = json.Unmarshal(cmd.Value, &poll.AllowVoteChanges)
	case "allowMultipleResponses":
		var multiple bool
		if err = json.Unmarshal(cmd.Value, &multiple); err == nil {
			setMultiple(c, multiple)
		}
	case "weight":
		var weight float64
		if err = json.Unmarshal(cmd.Value, &weight); err == nil {
			if math.IsNaN(weight) || weight <= 0 || weight > 5 {
				return types.Validation("invalid_poll_field", "weight must be greater than 0 and at most 5")
			}
			poll.Weight = weight
		}
	case "excludedRespondents":
		var ids types.IDList
		if err = json.Unmarshal(cmd.Value, &ids); err == nil {
			poll.ExcludedRespondents = append([]int64{}, ids...)
		}
	case "studentsAllowedToVote":
		var ids types.IDList
		if err = json.Unmarshal(cmd.Value, &ids); err == nil {
			poll.StudentsAllowedToVote = append([]int64{}, ids...)
		}
	default:
		return types.Validation("unknown_poll_field", "unknown poll field: "+cmd.Name)
	}
	if err != nil {
		return types.Validation("invalid_poll_field", "invalid value for "+cmd.Name)
	}

	s.broadcaster.ClassUpdate(c)
	return nil
}

// setMultiple switches the select mode. Responses that no longer fit the
// new mode are cleared.
func setMultiple(c *types.Classroom, multiple bool) {
	c.Poll.AllowMultipleResponses = multiple
	for _, member := range c.Students {
		if !multiple && len(member.PollRes.Buttons) > 1 {
			member.PollRes.Reset(false)
			continue
		}
		member.PollRes.Multiple = multiple
	}
}
