package types

// Permission levels, ordered. A higher level includes everything below it.
const (
	BannedPermissions  = 0
	GuestPermissions   = 1
	StudentPermissions = 2
	ModPermissions     = 3
	TeacherPermissions = 4
	ManagerPermissions = 5
)

// Capability names stored in classroom.permissions.
const (
	CapGames          = "games"
	CapControlPolls   = "controlPolls"
	CapManageStudents = "manageStudents"
	CapBreakAndHelp   = "breakAndHelp"
	CapManageClass    = "manageClass"
	CapLights         = "lights"
	CapSounds         = "sounds"
	CapUserDefaults   = "userDefaults"
)

// DefaultClassPermissions are the thresholds applied to any capability a
// classroom does not override.
var DefaultClassPermissions = map[string]int{
	CapGames:          ModPermissions,
	CapControlPolls:   ModPermissions,
	CapManageStudents: TeacherPermissions,
	CapBreakAndHelp:   ModPermissions,
	CapManageClass:    TeacherPermissions,
	CapLights:         ModPermissions,
	CapSounds:         ModPermissions,
	CapUserDefaults:   GuestPermissions,
}

// ActionCapabilities maps administrative actions to the capability that gates them.
var ActionCapabilities = map[string]string{
	"startPoll":              CapControlPolls,
	"clearPoll":              CapControlPolls,
	"endPoll":                CapControlPolls,
	"updatePoll":             CapControlPolls,
	"savePoll":               CapControlPolls,
	"sharePollToClass":       CapControlPolls,
	"removeClassPollShare":   CapControlPolls,
	"classPermChange":        CapManageStudents,
	"classKickUser":          CapManageStudents,
	"classKickStudents":      CapManageStudents,
	"classBanUser":           CapManageStudents,
	"classUnbanUser":         CapManageStudents,
	"classBannedUsersUpdate": CapManageStudents,
	"approveBreak":           CapBreakAndHelp,
	"deleteTicket":           CapBreakAndHelp,
	"startClass":             CapManageClass,
	"endClass":               CapManageClass,
	"setTags":                CapManageClass,
	"saveTags":               CapManageClass,
	"updateClassPermissions": CapManageClass,
	"regenerateKey":          CapManageClass,
}

// SocketEventPermissions are fixed class levels for member-facing socket events.
var SocketEventPermissions = map[string]int{
	"pollResp":     StudentPermissions,
	"help":         StudentPermissions,
	"requestBreak": StudentPermissions,
	"endBreak":     StudentPermissions,
	"leaveClass":   GuestPermissions,
	"classUpdate":  GuestPermissions,
	"cpUpdate":     ModPermissions,
}

// IsValidLevel reports whether level is a permission level at all (BANNED..MANAGER).
func IsValidLevel(level int) bool {
	return level >= BannedPermissions && level <= ManagerPermissions
}

// NormalizePermissions returns a complete capability map. Unknown keys are
// dropped and any value outside 1..5 falls back to the default.
func NormalizePermissions(stored map[string]int) map[string]int {
	normalized := make(map[string]int, len(DefaultClassPermissions))
	for capability, def := range DefaultClassPermissions {
		level, ok := stored[capability]
		if !ok || level < GuestPermissions || level > ManagerPermissions {
			level = def
		}
		normalized[capability] = level
	}
	return normalized
}

// NormalizeRawPermissions is NormalizePermissions for decoded JSON, where
// values may be any type. Non-integral numbers are treated as invalid.
func NormalizeRawPermissions(raw map[string]interface{}) map[string]int {
	stored := make(map[string]int, len(raw))
	for key, value := range raw {
		if f, ok := value.(float64); ok && f == float64(int(f)) {
			stored[key] = int(f)
		}
	}
	return NormalizePermissions(stored)
}
