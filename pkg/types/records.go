package types

import "time"

// Row shapes exchanged with the persistence gateway. JSON columns are kept
// as text here and decoded by the classroom registry.

type UserRecord struct {
	ID          int64  `db:"id" json:"id"`
	Email       string `db:"email" json:"email"`
	DisplayName string `db:"displayName" json:"displayName"`
	Permissions int    `db:"permissions" json:"permissions"`
	Digipogs    int    `db:"digipogs" json:"digipogs"`
}

type ClassroomRecord struct {
	ID          int64  `db:"id"`
	Name        string `db:"name"`
	Owner       int64  `db:"owner"`
	Key         string `db:"key"`
	Tags        string `db:"tags"`
	Permissions string `db:"permissions"`
	Settings    string `db:"settings"`
}

type MembershipRecord struct {
	ClassID     int64  `db:"classId"`
	StudentID   int64  `db:"studentId"`
	Permissions int    `db:"permissions"`
	Tags        string `db:"tags"`
}

// RosterRecord is a membership row joined with its user.
type RosterRecord struct {
	StudentID         int64  `db:"studentId" json:"id"`
	Permissions       int    `db:"permissions" json:"classPermissions"`
	Tags              string `db:"tags" json:"-"`
	Email             string `db:"email" json:"email"`
	DisplayName       string `db:"displayName" json:"displayName"`
	GlobalPermissions int    `db:"globalPermissions" json:"permissions"`
}

// DigipogAward is the audit row written whenever the pog meter rolls over.
type DigipogAward struct {
	UserID    int64     `db:"userId"`
	ClassID   int64     `db:"classId"`
	Amount    int       `db:"amount"`
	Reason    string    `db:"reason"`
	CreatedAt time.Time `db:"-"`
}
