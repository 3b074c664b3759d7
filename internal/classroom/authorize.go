package classroom

import "formbar/pkg/types"

// Authorize checks that userID may perform the administrative action in c.
func Authorize(c *types.Classroom, userID int64, action string) error {
	capability, ok := types.ActionCapabilities[action]
	if !ok {
		return types.ErrNotAuthorized
	}
	level := ClassLevel(c, userID)
	if level < 0 {
		return types.ErrNotInClass
	}
	if !c.Allows(capability, level) {
		return types.ErrNotAuthorized
	}
	return nil
}

// RequireLevel checks that userID holds at least level in c.
func RequireLevel(c *types.Classroom, userID int64, level int) error {
	actual := ClassLevel(c, userID)
	if actual < 0 {
		return types.ErrNotInClass
	}
	if actual < level {
		return types.ErrNotAuthorized
	}
	return nil
}

// HasControlPanel reports whether userID sees the full classroom projection.
func HasControlPanel(c *types.Classroom, userID int64) bool {
	return ClassLevel(c, userID) >= c.ControlPanelThreshold()
}
