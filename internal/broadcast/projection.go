package broadcast

import (
	"formbar/internal/classroom"
	"formbar/pkg/types"
)

// UserLookup resolves roster ids to live sessions.
type UserLookup interface {
	UserByID(id int64) (*types.UserSession, bool)
}

// StudentView is one roster entry of the control-panel projection.
type StudentView struct {
	ID               int64              `json:"id"`
	Email            string             `json:"email"`
	DisplayName      string             `json:"displayName"`
	ActiveClass      *int64             `json:"activeClass"`
	Permissions      int                `json:"permissions"`
	ClassPermissions int                `json:"classPermissions"`
	Tags             []string           `json:"tags"`
	PollRes          types.PollResponse `json:"pollRes"`
	Help             *types.HelpTicket  `json:"help"`
	Break            *types.BreakTicket `json:"break"`
	PogMeter         int                `json:"pogMeter"`
	IsGuest          bool               `json:"isGuest"`
}

// ClassView is the classUpdate payload. Control-panel users get the key,
// tags, permissions and full roster; everyone else gets their own tags and id.
type ClassView struct {
	ID          int64                 `json:"id"`
	ClassName   string                `json:"className"`
	IsActive    bool                  `json:"isActive"`
	Owner       int64                 `json:"owner"`
	Poll        types.Poll            `json:"poll"`
	Settings    types.Settings        `json:"settings"`
	Permissions map[string]int        `json:"permissions,omitempty"`
	Key         string                `json:"key,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
	Students    map[int64]StudentView `json:"students,omitempty"`
	SharedPolls []int64               `json:"sharedPolls,omitempty"`
	MyTags      []string              `json:"myTags,omitempty"`
	MyID        int64                 `json:"myId,omitempty"`
}

// ControlPanelView builds the full projection of c. Counters must already be
// recomputed by the caller.
func ControlPanelView(c *types.Classroom, users UserLookup) ClassView {
	view := baseView(c)
	view.Permissions = copyPermissions(c.Permissions)
	view.Key = c.Key
	view.Tags = append([]string(nil), c.Tags...)
	view.SharedPolls = append([]int64(nil), c.SharedPolls...)
	view.Students = make(map[int64]StudentView, len(c.Students))
	for id, member := range c.Students {
		student := StudentView{
			ID:               id,
			ClassPermissions: member.ClassPermissions,
			Tags:             append([]string{}, member.Tags...),
			PollRes:          member.PollRes,
			Help:             member.Help,
			Break:            member.Break,
		}
		if user, ok := users.UserByID(id); ok {
			student.Email = user.Email
			student.DisplayName = user.DisplayName
			student.Permissions = user.Permissions
			student.PogMeter = user.PogMeter()
			student.IsGuest = user.IsGuest
			if active := user.ActiveClass(); active != 0 {
				student.ActiveClass = &active
			}
		}
		view.Students[id] = student
	}
	return view
}

// PersonalView builds the projection for a member below the control-panel
// threshold. Blind polls hide per-answer counts.
func PersonalView(c *types.Classroom, userID int64) ClassView {
	view := baseView(c)
	if c.Poll.Blind {
		for i := range view.Poll.Responses {
			view.Poll.Responses[i].Responses = 0
		}
	}
	if member, ok := c.Students[userID]; ok {
		view.MyTags = append([]string{}, member.Tags...)
		view.MyID = userID
	}
	return view
}

// ViewFor picks the projection matching userID's level in c.
func ViewFor(c *types.Classroom, userID int64, users UserLookup) ClassView {
	if classroom.HasControlPanel(c, userID) {
		return ControlPanelView(c, users)
	}
	return PersonalView(c, userID)
}

func baseView(c *types.Classroom) ClassView {
	poll := c.Poll
	poll.Responses = append([]types.AnswerOption{}, c.Poll.Responses...)
	poll.ExcludedRespondents = append([]int64{}, c.Poll.ExcludedRespondents...)
	return ClassView{
		ID:        c.ID,
		ClassName: c.Name,
		IsActive:  c.IsActive,
		Owner:     c.Owner,
		Poll:      poll,
		Settings:  c.Settings,
	}
}

func copyPermissions(permissions map[string]int) map[string]int {
	out := make(map[string]int, len(permissions))
	for capability, level := range permissions {
		out[capability] = level
	}
	return out
}
