package router

import (
	"context"
	"encoding/json"

	"github.com/labstack/gommon/log"

	"formbar/internal/membership"
	"formbar/internal/polls"
	"formbar/pkg/types"
)

type pollRespPayload struct {
	Response types.ResponseValue `json:"response"`
	TextRes  string              `json:"textRes" validate:"max=1000"`
}

type fieldPayload struct {
	Name  string          `json:"name" validate:"required"`
	Value json.RawMessage `json:"value"`
}

type reasonPayload struct {
	Reason string `json:"reason"`
}

type userPayload struct {
	UserID int64 `json:"userId" validate:"required"`
}

type kickPayload struct {
	UserID   int64 `json:"userId" validate:"required"`
	ExitRoom bool  `json:"exitRoom"`
}

type approvePayload struct {
	UserID   int64 `json:"userId" validate:"required"`
	Approved bool  `json:"approved"`
}

type permissionPayload struct {
	UserID int64 `json:"userId" validate:"required"`
	Level  *int  `json:"level" validate:"required"`
}

type tagsPayload struct {
	Tags []string `json:"tags" validate:"max=100,dive,max=50"`
}

type memberTagsPayload struct {
	UserID int64    `json:"userId" validate:"required"`
	Tags   []string `json:"tags" validate:"max=100,dive,max=50"`
}

type pollIDPayload struct {
	PollID int64 `json:"pollId" validate:"required"`
}

func (r *Router) table() map[string]route {
	inClass := func(h handlerFunc) route { return route{handle: h, needsClass: true} }
	return map[string]route{
		"pollResp":    inClass(r.pollResp),
		"startPoll":   inClass(r.startPoll),
		"updatePoll":  inClass(r.updatePoll),
		"endPoll":     inClass(r.command(polls.EndPoll{})),
		"clearPoll":   inClass(r.command(polls.ClearPoll{Notify: true})),
		"classUpdate": inClass(r.classUpdate),
		"cpUpdate":    inClass(r.classUpdate),
		"leaveClass": inClass(func(ctx context.Context, req *request) error {
			return r.membership.LeaveSession(ctx, req.user)
		}),

		"help":         inClass(r.help),
		"requestBreak": inClass(r.requestBreak),
		"endBreak": inClass(func(ctx context.Context, req *request) error {
			return r.membership.EndBreak(ctx, req.classID, req.user)
		}),
		"approveBreak": inClass(r.approveBreak),
		"deleteTicket": inClass(func(ctx context.Context, req *request) error {
			var p userPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.membership.DeleteHelp(ctx, req.classID, p.UserID, req.user)
		}),

		"classKickUser": inClass(func(ctx context.Context, req *request) error {
			var p kickPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.membership.KickStudent(ctx, req.classID, p.UserID, membership.KickOptions{ExitRoom: p.ExitRoom}, req.user)
		}),
		"classKickStudents": inClass(func(ctx context.Context, req *request) error {
			return r.membership.KickAllBelow(ctx, req.classID, types.TeacherPermissions, true, req.user)
		}),
		"classBanUser": inClass(func(ctx context.Context, req *request) error {
			var p userPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.membership.BanUser(ctx, req.classID, p.UserID, req.user)
		}),
		"classUnbanUser": inClass(func(ctx context.Context, req *request) error {
			var p userPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.membership.UnbanUser(ctx, req.classID, p.UserID, req.user)
		}),
		"classPermChange": inClass(func(ctx context.Context, req *request) error {
			var p permissionPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.membership.ChangeClassPermission(ctx, req.classID, p.UserID, *p.Level, req.user)
		}),

		"setTags": inClass(func(ctx context.Context, req *request) error {
			var p tagsPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.membership.SetTags(ctx, req.classID, p.Tags, req.user)
		}),
		"saveTags": inClass(func(ctx context.Context, req *request) error {
			var p memberTagsPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.membership.SaveMemberTags(ctx, req.classID, p.UserID, p.Tags, req.user)
		}),
		"startClass": inClass(func(ctx context.Context, req *request) error {
			return r.membership.StartClass(ctx, req.classID, req.user)
		}),
		"endClass": inClass(func(ctx context.Context, req *request) error {
			return r.membership.EndClass(ctx, req.classID, req.user)
		}),

		"sharePollToClass": inClass(func(ctx context.Context, req *request) error {
			var p pollIDPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.polls.SharePollToClass(ctx, req.classID, p.PollID, req.user)
		}),
		"removeClassPollShare": inClass(func(ctx context.Context, req *request) error {
			var p pollIDPayload
			if err := req.decode(&p); err != nil {
				return err
			}
			return r.polls.RemoveClassPollShare(ctx, req.classID, p.PollID, req.user)
		}),
		"customPollUpdate": {handle: func(ctx context.Context, req *request) error {
			return r.polls.CustomPollUpdate(ctx, req.user.Email)
		}},
	}
}

// pollResp never fails: undecodable answers are dropped like ineligible ones.
func (r *Router) pollResp(ctx context.Context, req *request) error {
	var p pollRespPayload
	if err := req.decode(&p); err != nil {
		log.Debugf("poll response dropped: user=%d: %v", req.user.ID, err)
		return nil
	}
	r.polls.Respond(ctx, req.classID, req.user, p.Response, p.TextRes)
	return nil
}

func (r *Router) startPoll(ctx context.Context, req *request) error {
	var spec types.PollSpec
	if err := req.decode(&spec); err != nil {
		return err
	}
	return r.polls.Execute(ctx, req.classID, req.user, polls.StartPoll{Spec: spec})
}

func (r *Router) updatePoll(ctx context.Context, req *request) error {
	var p fieldPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	return r.polls.Execute(ctx, req.classID, req.user, polls.SetField{Name: p.Name, Value: p.Value})
}

func (r *Router) command(cmd polls.Command) handlerFunc {
	return func(ctx context.Context, req *request) error {
		return r.polls.Execute(ctx, req.classID, req.user, cmd)
	}
}

// classUpdate answers the sender alone with its current projection.
func (r *Router) classUpdate(ctx context.Context, req *request) error {
	return r.registry.WithLoadedClassroom(req.classID, func(c *types.Classroom) error {
		view := r.broadcaster.View(c, req.user.ID)
		if err := req.conn.Send(types.OutboundEvent{Name: types.EventClassUpdate, Data: view}); err != nil {
			log.Debugf("class update not delivered: conn=%s: %v", req.conn.GetID(), err)
		}
		return nil
	})
}

func (r *Router) help(ctx context.Context, req *request) error {
	var p reasonPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	return r.membership.SendHelp(ctx, req.classID, p.Reason, req.user)
}

func (r *Router) requestBreak(ctx context.Context, req *request) error {
	var p reasonPayload
	if err := req.decode(&p); err != nil {
		return err
	}
	return r.membership.RequestBreak(ctx, req.classID, p.Reason, req.user)
}

func (r *Router) approveBreak(ctx context.Context, req *request) error {
	var p approvePayload
	if err := req.decode(&p); err != nil {
		return err
	}
	return r.membership.ApproveBreak(ctx, req.classID, p.UserID, p.Approved, req.user)
}
