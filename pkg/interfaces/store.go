package interfaces

import (
	"context"

	"github.com/pkg/errors"

	"formbar/pkg/types"
)

// ErrNotFound is returned by Store lookups that match no row.
var ErrNotFound = errors.New("record not found")

// RunResult reports the effect of a write.
type RunResult struct {
	Changes      int64
	LastInsertID int64
}

// Gateway is the raw parametrized query surface.
type Gateway interface {
	// GetRow scans a single row into dest. Returns ErrNotFound on no rows.
	GetRow(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	// GetRows scans every row into dest, which must be a pointer to a slice.
	GetRows(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	// Run executes a write through the single writer.
	Run(ctx context.Context, query string, args ...interface{}) (RunResult, error)
}

// Store is the persistence gateway consumed by the classroom services.
type Store interface {
	Gateway

	CreateUser(ctx context.Context, user *types.UserRecord) (int64, error)
	GetUser(ctx context.Context, id int64) (*types.UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (*types.UserRecord, error)
	// AwardDigipogs increments the user's balance and writes the audit row atomically.
	AwardDigipogs(ctx context.Context, award types.DigipogAward) error

	CreateClassroom(ctx context.Context, record *types.ClassroomRecord) (int64, error)
	GetClassroom(ctx context.Context, id int64) (*types.ClassroomRecord, error)
	GetClassroomByKey(ctx context.Context, key string) (*types.ClassroomRecord, error)
	// DeleteClassroom removes the classroom with its memberships and poll shares.
	DeleteClassroom(ctx context.Context, id int64) error
	UpdateClassroomKey(ctx context.Context, id int64, key string) error
	UpdateClassroomTags(ctx context.Context, id int64, tags []string) error
	UpdateClassroomPermissions(ctx context.Context, id int64, permissions map[string]int) error

	GetMembership(ctx context.Context, classID, userID int64) (*types.MembershipRecord, error)
	ListRoster(ctx context.Context, classID int64) ([]types.RosterRecord, error)
	ListBannedUsers(ctx context.Context, classID int64) ([]types.RosterRecord, error)
	InsertMembership(ctx context.Context, record types.MembershipRecord) error
	UpdateMembershipPermissions(ctx context.Context, classID, userID int64, level int) error
	UpdateMembershipTags(ctx context.Context, classID, userID int64, tags []string) error
	DeleteMembership(ctx context.Context, classID, userID int64) error

	InsertPollHistory(ctx context.Context, record *types.PollRecord) (int64, error)
	InsertPollAnswers(ctx context.Context, answers []types.PollAnswer) error
	ListPollHistory(ctx context.Context, classID int64, offset, limit int) ([]types.PollRecord, error)

	InsertCustomPoll(ctx context.Context, poll *types.CustomPoll) (int64, error)
	UpdateCustomPoll(ctx context.Context, poll *types.CustomPoll) error
	GetCustomPoll(ctx context.Context, id int64) (*types.CustomPoll, error)
	// ListCustomPolls returns polls owned by ownerID, public polls, and the given ids.
	ListCustomPolls(ctx context.Context, ownerID int64, ids []int64) ([]types.CustomPoll, error)
	ListClassPolls(ctx context.Context, classID int64) ([]int64, error)
	ShareClassPoll(ctx context.Context, classID, pollID int64) error
	UnshareClassPoll(ctx context.Context, classID, pollID int64) error

	HealthCheck(ctx context.Context) error
	Close() error
}
