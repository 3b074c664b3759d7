package api

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"formbar/internal/auth"
	"formbar/internal/broadcast"
	"formbar/internal/classroom"
	"formbar/internal/membership"
	"formbar/pkg/types"
)

var errInvalidBody = types.Validation("invalid_payload", "request body could not be decoded")

type joinRequest struct {
	Code string `json:"code" validate:"required"`
}

type createClassRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type kickRequest struct {
	ExitRoom bool `json:"exitRoom"`
}

type levelRequest struct {
	Level *int `json:"level" validate:"required"`
}

type tagsRequest struct {
	Tags []string `json:"tags" validate:"max=100,dive,max=50"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) registerClassRoutes(g *echo.Group) {
	g.POST("/join", s.joinByCode)
	g.POST("/class", s.createClass)

	cg := g.Group("/class/:id")
	cg.GET("", s.getClass)
	cg.POST("/join", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return s.svc.Membership.JoinByID(c.Request().Context(), actor, classID)
	}))
	cg.POST("/leave", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		if actor.ActiveClass() != classID {
			return nil, types.ErrNotInClass
		}
		return nil, s.svc.Membership.LeaveSession(c.Request().Context(), actor)
	}))
	cg.POST("/leave-room", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return nil, s.svc.Membership.LeaveRoom(c.Request().Context(), classID, actor)
	}))
	cg.POST("/key", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		key, err := s.svc.Membership.RegenerateKey(c.Request().Context(), classID, actor)
		if err != nil {
			return nil, err
		}
		return echo.Map{"key": key}, nil
	}))
	cg.POST("/start", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return nil, s.svc.Membership.StartClass(c.Request().Context(), classID, actor)
	}))
	cg.POST("/end", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return nil, s.svc.Membership.EndClass(c.Request().Context(), classID, actor)
	}))
	cg.PUT("/permissions", s.updatePermissions)

	cg.GET("/students", s.getStudents)
	cg.POST("/students/kick", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return nil, s.svc.Membership.KickAllBelow(c.Request().Context(), classID, types.TeacherPermissions, true, actor)
	}))
	cg.GET("/banned", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return s.svc.Membership.BannedUsers(c.Request().Context(), classID, actor)
	}))

	sg := cg.Group("/students/:userId")
	sg.POST("/kick", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		var req kickRequest
		if err := bindOptional(c, &req); err != nil {
			return err
		}
		return s.svc.Membership.KickStudent(c.Request().Context(), classID, userID, membership.KickOptions{ExitRoom: req.ExitRoom}, actor)
	}))
	sg.POST("/ban", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		return s.svc.Membership.BanUser(c.Request().Context(), classID, userID, actor)
	}))
	sg.POST("/unban", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		return s.svc.Membership.UnbanUser(c.Request().Context(), classID, userID, actor)
	}))
	sg.POST("/permission", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		var req levelRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		return s.svc.Membership.ChangeClassPermission(c.Request().Context(), classID, userID, *req.Level, actor)
	}))
	sg.POST("/tags", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		var req tagsRequest
		if err := bind(c, &req); err != nil {
			return err
		}
		return s.svc.Membership.SaveMemberTags(c.Request().Context(), classID, userID, req.Tags, actor)
	}))
	sg.POST("/break/approve", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		return s.svc.Membership.ApproveBreak(c.Request().Context(), classID, userID, true, actor)
	}))
	sg.POST("/break/deny", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		return s.svc.Membership.ApproveBreak(c.Request().Context(), classID, userID, false, actor)
	}))
	sg.POST("/help/delete", s.memberAction(func(c echo.Context, classID, userID int64, actor *types.UserSession) error {
		return s.svc.Membership.DeleteHelp(c.Request().Context(), classID, userID, actor)
	}))

	cg.GET("/tags", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return s.svc.Membership.Tags(c.Request().Context(), classID, actor)
	}))
	cg.POST("/tags", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var req tagsRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.Membership.SetTags(c.Request().Context(), classID, req.Tags, actor)
	}))

	cg.POST("/break/request", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var req reasonRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.Membership.RequestBreak(c.Request().Context(), classID, req.Reason, actor)
	}))
	cg.POST("/break/end", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		return nil, s.svc.Membership.EndBreak(c.Request().Context(), classID, actor)
	}))
	cg.POST("/help/request", s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var req reasonRequest
		if err := bind(c, &req); err != nil {
			return nil, err
		}
		return nil, s.svc.Membership.SendHelp(c.Request().Context(), classID, req.Reason, actor)
	}))
}

type classHandler func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error)

type memberHandler func(c echo.Context, classID, userID int64, actor *types.UserSession) error

// classAction resolves the caller and the :id parameter before fn runs.
func (s *Server) classAction(fn classHandler) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := s.actor(c)
		if err != nil {
			return err
		}
		classID, err := pathID(c, "id")
		if err != nil {
			return err
		}
		data, err := fn(c, classID, actor)
		if err != nil {
			return err
		}
		return ok(c, data)
	}
}

func (s *Server) memberAction(fn memberHandler) echo.HandlerFunc {
	return s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		userID, err := pathID(c, "userId")
		if err != nil {
			return nil, err
		}
		return nil, fn(c, classID, userID, actor)
	})
}

// actor returns the session of the authenticated caller.
func (s *Server) actor(c echo.Context) (*types.UserSession, error) {
	principal, found := auth.PrincipalFrom(c)
	if !found {
		return nil, auth.ErrMissingToken
	}
	return s.svc.Registry.LoadUser(c.Request().Context(), principal)
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

// bind decodes the JSON body into v and validates it.
func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return errInvalidBody
	}
	return types.ValidateStruct(v)
}

// bindOptional is bind for endpoints whose body may be omitted.
func bindOptional(c echo.Context, v interface{}) error {
	if c.Request().ContentLength == 0 {
		return nil
	}
	return bind(c, v)
}

func (s *Server) joinByCode(c echo.Context) error {
	actor, err := s.actor(c)
	if err != nil {
		return err
	}
	var req joinRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := s.svc.Membership.JoinByCode(c.Request().Context(), actor, req.Code)
	if err != nil {
		return err
	}
	return ok(c, result)
}

func (s *Server) createClass(c echo.Context) error {
	actor, err := s.actor(c)
	if err != nil {
		return err
	}
	var req createClassRequest
	if err := bind(c, &req); err != nil {
		return err
	}
	result, err := s.svc.Membership.CreateClass(c.Request().Context(), actor, req.Name)
	if err != nil {
		return err
	}
	return ok(c, result)
}

func (s *Server) updatePermissions(c echo.Context) error {
	return s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var permissions map[string]int
		if err := c.Echo().JSONSerializer.Deserialize(c, &permissions); err != nil {
			return nil, errInvalidBody
		}
		return nil, s.svc.Membership.UpdateClassPermissions(c.Request().Context(), classID, permissions, actor)
	})(c)
}

// getClass returns the caller's projection of the classroom.
func (s *Server) getClass(c echo.Context) error {
	return s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var view broadcast.ClassView
		err := s.svc.Registry.WithClassroom(c.Request().Context(), classID, func(room *types.Classroom) error {
			if classroom.ClassLevel(room, actor.ID) < 0 {
				return types.ErrNotInClass
			}
			view = s.svc.Broadcaster.View(room, actor.ID)
			return nil
		})
		return view, err
	})(c)
}

// getStudents returns the roster as the control panel sees it.
func (s *Server) getStudents(c echo.Context) error {
	return s.classAction(func(c echo.Context, classID int64, actor *types.UserSession) (interface{}, error) {
		var students map[int64]broadcast.StudentView
		err := s.svc.Registry.WithClassroom(c.Request().Context(), classID, func(room *types.Classroom) error {
			if !classroom.HasControlPanel(room, actor.ID) {
				if classroom.ClassLevel(room, actor.ID) < 0 {
					return types.ErrNotInClass
				}
				return types.ErrNotAuthorized
			}
			students = s.svc.Broadcaster.View(room, actor.ID).Students
			return nil
		})
		return students, err
	})(c)
}
