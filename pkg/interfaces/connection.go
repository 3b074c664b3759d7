package interfaces

import "formbar/pkg/types"

// Connection is one live client connection.
// Implementations must serialize writes; WriteJSON and Send are safe for concurrent use.
type Connection interface {
	GetID() string

	// WriteJSON queues v, waiting a bounded time if the buffer is full.
	WriteJSON(v interface{}) error
	// Send queues v without waiting; a full buffer drops the frame.
	Send(v interface{}) error
	Close() error

	IsAuthenticated() bool
	SetCredentials(principal types.Principal) error
	GetPrincipal() types.Principal
	GetEmail() string
	GetUserID() int64
	IsAPI() bool

	// Classroom attachment, with the class level denormalized for filtering.
	GetClassID() int64
	GetClassPermissions() int
	SetClassroom(classID int64, classPermissions int)
}
