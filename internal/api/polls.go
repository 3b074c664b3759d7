package api

import (
	"encoding/json"
	"strconv"

	"github.com/labstack/echo/v4"

	"formbar/internal/polls"
	"formbar/pkg/types"
)

type fieldRequest struct {
	Name  string          `json:"name" validate:"required"`
	Value json.RawMessage `json:"value"`
}

type responseRequest struct {
	Response types.ResponseValue `json:"response"`
	TextRes  string              `json:"textRes" validate:"max=1000"`
}

type pollIDRequest struct {
	PollID int64 `json:"pollId" validate:"required"`
}

func (s *Server) registerPollRoutes(g *echo.Group) {
	g.POST("/polls/custom", s.savePoll)

	pg := g.Group("/class/:id/polls")
	pg.POST("/create", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var spec types.PollSpec
		if err := bind(c, &spec); err != nil {
			return nil, err
		}
		return nil, s.svc.Polls.Execute(c.Request().Context(), classID, actor, polls.StartPoll{Spec: spec})
	}))
	pg.POST("/update", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var req fieldRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.Polls.Execute(c.Request().Context(), classID, actor, polls.SetField{Name: req.Name, Value: req.Value})
	}))
	pg.POST("/end", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return nil, s.svc.Polls.Execute(c.Request().Context(), classID, actor, polls.EndPoll{})
	}))
	pg.POST("/clear", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return nil, s.svc.Polls.Execute(c.Request().Context(), classID, actor, polls.ClearPoll{Notify: true})
	}))
	pg.POST("/response", s.pollResponse)
	pg.GET("/history", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		offset, _ := strconv.Atoi(c.QueryParam("offset"))
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		return s.svc.Polls.History(c.Request().Context(), classID, actor, offset, limit)
	}))
	pg.POST("/share", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var req pollIDRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.Polls.SharePollToClass(c.Request().Context(), classID, req.PollID, actor)
	}))
	pg.POST("/unshare", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var req pollIDRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.Polls.RemoveClassPollShare(c.Request().Context(), classID, req.PollID, actor)
	}))
}

// pollResponse always answers 200. Whether the vote counted is reported in
// the body but never as an error.
func (s *Server) pollResponse(c echo.Context) error {
	actor, err := s.actor(c)
	if err != nil {
		return err
	}
	classID, err := pathID(c, "id")
	if err != nil {
		return ok(c, echo.Map{"accepted": false})
	}
	var req responseRequest
	if err := bind(c, &req); err != nil {
		return ok(c, echo.Map{"accepted": false})
	}
	accepted := s.svc.Polls.Respond(c.Request().Context(), classID, actor, req.Response, req.TextRes)
	return ok(c, echo.Map{"accepted": accepted})
}

func (s *Server) savePoll(c echo.Context) error {
	actor, err := s.actor(c)
	if err != nil {
		return err
	}
	var input polls.CustomPollInput
	if err := bind(c, &input); err != nil {
		return err
	}
	id, err := s.svc.Polls.SavePoll(c.Request().Context(), actor, input)
	if err != nil {
		return err
	}
	return ok(c, echo.Map{"id": id})
}
