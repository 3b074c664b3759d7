package types

import (
	"encoding/json"
	"time"
)

// Event is the frame exchanged with socket clients in both directions.
type Event struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"event"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// OutboundEvent is a server-originated frame.
type OutboundEvent struct {
	Name string      `json:"event"`
	Data interface{} `json:"data,omitempty"`
}

// Outbound event names.
const (
	EventClassUpdate            = "classUpdate"
	EventCustomPollUpdate       = "customPollUpdate"
	EventSetClass               = "setClass"
	EventReload                 = "reload"
	EventIsClassActive          = "isClassActive"
	EventBreak                  = "break"
	EventClassBannedUsersUpdate = "classBannedUsersUpdate"
	EventMessage                = "message"

	EventPollSound         = "pollSound"
	EventRemovePollSound   = "removePollSound"
	EventJoinSound         = "joinSound"
	EventLeaveSound        = "leaveSound"
	EventHelpSound         = "helpSound"
	EventBreakSound        = "breakSound"
	EventKickStudentsSound = "kickStudentsSound"
	EventStartClassSound   = "startClassSound"
)

// ErrorPayload is sent in a message event when a socket command fails.
type ErrorPayload struct {
	Event   string `json:"event"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

// Principal is the resolved identity behind a request or connection.
type Principal struct {
	UserID      int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Permissions int    `json:"permissions"`
	IsGuest     bool   `json:"isGuest"`
	API         bool   `json:"api"`
}
