package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"formbar/pkg/interfaces"
	"formbar/pkg/types"
)

const userColumns = `id, email, displayName, permissions, digipogs`

func (m *Manager) CreateUser(ctx context.Context, user *types.UserRecord) (int64, error) {
	var id int64
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		return db.QueryRowxContext(ctx, db.Rebind(
			`INSERT INTO users (email, displayName, permissions, digipogs) VALUES (?, ?, ?, ?) RETURNING id`),
			user.Email, user.DisplayName, user.Permissions, user.Digipogs,
		).Scan(&id)
	})
	if err != nil {
		return 0, errors.Wrapf(err, "failed to insert user %s", user.Email)
	}
	user.ID = id
	return id, nil
}

func (m *Manager) GetUser(ctx context.Context, id int64) (*types.UserRecord, error) {
	var user types.UserRecord
	if err := m.GetRow(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &user, nil
}

func (m *Manager) GetUserByEmail(ctx context.Context, email string) (*types.UserRecord, error) {
	var user types.UserRecord
	if err := m.GetRow(ctx, &user, `SELECT `+userColumns+` FROM users WHERE email = ?`, email); err != nil {
		return nil, err
	}
	return &user, nil
}

// AwardDigipogs credits the balance and writes the audit row in one transaction.
func (m *Manager) AwardDigipogs(ctx context.Context, award types.DigipogAward) error {
	return m.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE users SET digipogs = digipogs + ? WHERE id = ?`),
			award.Amount, award.UserID)
		if err != nil {
			return errors.Wrap(err, "failed to credit digipogs")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return interfaces.ErrNotFound
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(
			`INSERT INTO digipog_awards (userId, classId, amount, reason, createdAt) VALUES (?, ?, ?, ?, ?)`),
			award.UserID, award.ClassID, award.Amount, award.Reason, millis(award.CreatedAt))
		return errors.Wrap(err, "failed to record digipog award")
	})
}

const classroomColumns = `id, name, owner, key, tags, permissions, settings`

func (m *Manager) CreateClassroom(ctx context.Context, record *types.ClassroomRecord) (int64, error) {
	var id int64
	err := m.executeWrite(ctx, func(db *sqlx.DB) error {
		return db.QueryRowxContext(ctx, db.Rebind(
			`INSERT INTO classroom (name, owner, key, tags, permissions, settings) VALUES (?, ?, ?, ?, ?, ?) RETURNING id`),
			record.Name, record.Owner, record.Key, record.Tags, record.Permissions, record.Settings,
		).Scan(&id)
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert classroom")
	}
	record.ID = id
	return id, nil
}

func (m *Manager) GetClassroom(ctx context.Context, id int64) (*types.ClassroomRecord, error) {
	var record types.ClassroomRecord
	if err := m.GetRow(ctx, &record, `SELECT `+classroomColumns+` FROM classroom WHERE id = ?`, id); err != nil {
		return nil, err
	}
	return &record, nil
}

func (m *Manager) GetClassroomByKey(ctx context.Context, key string) (*types.ClassroomRecord, error) {
	var record types.ClassroomRecord
	if err := m.GetRow(ctx, &record, `SELECT `+classroomColumns+` FROM classroom WHERE key = ?`, key); err != nil {
		return nil, err
	}
	return &record, nil
}

// DeleteClassroom removes the classroom together with its memberships and shares.
func (m *Manager) DeleteClassroom(ctx context.Context, id int64) error {
	return m.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, query := range []string{
			`DELETE FROM classusers WHERE classId = ?`,
			`DELETE FROM class_polls WHERE classId = ?`,
			`DELETE FROM classroom WHERE id = ?`,
		} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(query), id); err != nil {
				return errors.Wrapf(err, "failed to delete classroom %d", id)
			}
		}
		return nil
	})
}

func (m *Manager) UpdateClassroomKey(ctx context.Context, id int64, key string) error {
	return m.update(ctx, `UPDATE classroom SET key = ? WHERE id = ?`, key, id)
}

func (m *Manager) UpdateClassroomTags(ctx context.Context, id int64, tags []string) error {
	encoded, err := encodeJSON(tags)
	if err != nil {
		return err
	}
	return m.update(ctx, `UPDATE classroom SET tags = ? WHERE id = ?`, encoded, id)
}

func (m *Manager) UpdateClassroomPermissions(ctx context.Context, id int64, permissions map[string]int) error {
	encoded, err := encodeJSON(permissions)
	if err != nil {
		return err
	}
	return m.update(ctx, `UPDATE classroom SET permissions = ? WHERE id = ?`, encoded, id)
}

func (m *Manager) GetMembership(ctx context.Context, classID, userID int64) (*types.MembershipRecord, error) {
	var record types.MembershipRecord
	err := m.GetRow(ctx, &record,
		`SELECT classId, studentId, permissions, tags FROM classusers WHERE classId = ? AND studentId = ?`,
		classID, userID)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListRoster returns every non-banned member of the class.
func (m *Manager) ListRoster(ctx context.Context, classID int64) ([]types.RosterRecord, error) {
	return m.roster(ctx, classID, ">")
}

func (m *Manager) ListBannedUsers(ctx context.Context, classID int64) ([]types.RosterRecord, error) {
	return m.roster(ctx, classID, "=")
}

func (m *Manager) roster(ctx context.Context, classID int64, op string) ([]types.RosterRecord, error) {
	records := []types.RosterRecord{}
	query := `
	SELECT cu.studentId, cu.permissions, cu.tags, u.email, u.displayName, u.permissions AS globalPermissions
	FROM classusers cu
	JOIN users u ON u.id = cu.studentId
	WHERE cu.classId = ? AND cu.permissions ` + op + ` ?
	ORDER BY cu.studentId`
	if err := m.GetRows(ctx, &records, query, classID, types.BannedPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to list roster of class %d", classID)
	}
	return records, nil
}

// InsertMembership adds the membership row; an existing row is left untouched.
func (m *Manager) InsertMembership(ctx context.Context, record types.MembershipRecord) error {
	tags := record.Tags
	if tags == "" {
		tags = "[]"
	}
	_, err := m.Run(ctx,
		`INSERT INTO classusers (classId, studentId, permissions, tags) VALUES (?, ?, ?, ?) ON CONFLICT (classId, studentId) DO NOTHING`,
		record.ClassID, record.StudentID, record.Permissions, tags)
	return errors.Wrap(err, "failed to insert membership")
}

func (m *Manager) UpdateMembershipPermissions(ctx context.Context, classID, userID int64, level int) error {
	return m.update(ctx, `UPDATE classusers SET permissions = ? WHERE classId = ? AND studentId = ?`, level, classID, userID)
}

func (m *Manager) UpdateMembershipTags(ctx context.Context, classID, userID int64, tags []string) error {
	encoded, err := encodeJSON(tags)
	if err != nil {
		return err
	}
	return m.update(ctx, `UPDATE classusers SET tags = ? WHERE classId = ? AND studentId = ?`, encoded, classID, userID)
}

func (m *Manager) DeleteMembership(ctx context.Context, classID, userID int64) error {
	_, err := m.Run(ctx, `DELETE FROM classusers WHERE classId = ? AND studentId = ?`, classID, userID)
	return errors.Wrap(err, "failed to delete membership")
}

// update runs a single-row update and reports ErrNotFound when nothing matched.
func (m *Manager) update(ctx context.Context, query string, args ...interface{}) error {
	res, err := m.Run(ctx, query, args...)
	if err != nil {
		return err
	}
	if res.Changes == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

type pollHistoryRow struct {
	ID                     int64  `db:"id"`
	Class                  int64  `db:"class"`
	Prompt                 string `db:"prompt"`
	Responses              string `db:"responses"`
	AllowMultipleResponses bool   `db:"allowMultipleResponses"`
	Blind                  bool   `db:"blind"`
	AllowTextResponses     bool   `db:"allowTextResponses"`
	Data                   string `db:"data"`
	CreatedAt              int64  `db:"createdAt"`
}

func (r pollHistoryRow) record() (types.PollRecord, error) {
	record := types.PollRecord{
		ID:                     r.ID,
		ClassID:                r.Class,
		Prompt:                 r.Prompt,
		AllowMultipleResponses: r.AllowMultipleResponses,
		Blind:                  r.Blind,
		AllowTextResponses:     r.AllowTextResponses,
		CreatedAt:              time.UnixMilli(r.CreatedAt),
		Responses:              []types.AnswerOption{},
		Answers:                []types.PollAnswer{},
	}
	if err := json.Unmarshal([]byte(r.Responses), &record.Responses); err != nil {
		return record, errors.Wrapf(err, "poll %d has malformed responses", r.ID)
	}
	if r.Data != "" {
		if err := json.Unmarshal([]byte(r.Data), &record.Answers); err != nil {
			return record, errors.Wrapf(err, "poll %d has malformed data", r.ID)
		}
	}
	return record, nil
}

// InsertPollHistory archives a poll snapshot and returns its id.
func (m *Manager) InsertPollHistory(ctx context.Context, record *types.PollRecord) (int64, error) {
	responses, err := encodeJSON(record.Responses)
	if err != nil {
		return 0, err
	}
	data, err := encodeJSON(record.Answers)
	if err != nil {
		return 0, err
	}

	var id int64
	err = m.executeWrite(ctx, func(db *sqlx.DB) error {
		return db.QueryRowxContext(ctx, db.Rebind(`
			INSERT INTO poll_history (class, prompt, responses, allowMultipleResponses, blind, allowTextResponses, data, createdAt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			record.ClassID, record.Prompt, responses,
			boolInt(record.AllowMultipleResponses), boolInt(record.Blind), boolInt(record.AllowTextResponses),
			data, millis(record.CreatedAt),
		).Scan(&id)
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert poll history")
	}
	record.ID = id
	return id, nil
}

// InsertPollAnswers upserts one answer row per (poll, user).
func (m *Manager) InsertPollAnswers(ctx context.Context, answers []types.PollAnswer) error {
	if len(answers) == 0 {
		return nil
	}
	return m.inTx(ctx, func(tx *sqlx.Tx) error {
		query := tx.Rebind(`
			INSERT INTO poll_answers (pollId, classId, userId, buttonResponse, textResponse, createdAt)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (pollId, userId) DO UPDATE SET
				buttonResponse = excluded.buttonResponse,
				textResponse = excluded.textResponse,
				createdAt = excluded.createdAt`)
		for _, answer := range answers {
			buttons := answer.ButtonResponse
			if buttons == nil {
				buttons = []string{}
			}
			encoded, err := encodeJSON(buttons)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, query,
				answer.PollID, answer.ClassID, answer.UserID, encoded, answer.TextResponse, millis(answer.CreatedAt),
			); err != nil {
				return errors.Wrapf(err, "failed to upsert answer of user %d", answer.UserID)
			}
		}
		return nil
	})
}

// ListPollHistory returns archived polls of a class, newest first.
func (m *Manager) ListPollHistory(ctx context.Context, classID int64, offset, limit int) ([]types.PollRecord, error) {
	var rows []pollHistoryRow
	err := m.GetRows(ctx, &rows, `
		SELECT id, class, prompt, responses, allowMultipleResponses, blind, allowTextResponses, data, createdAt
		FROM poll_history
		WHERE class = ?
		ORDER BY createdAt DESC, id DESC
		LIMIT ? OFFSET ?`, classID, limit, offset)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list poll history of class %d", classID)
	}

	records := make([]types.PollRecord, 0, len(rows))
	for _, row := range rows {
		record, err := row.record()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

type customPollRow struct {
	ID               int64   `db:"id"`
	Owner            int64   `db:"owner"`
	Name             string  `db:"name"`
	Prompt           string  `db:"prompt"`
	Answers          string  `db:"answers"`
	TextRes          bool    `db:"textRes"`
	Blind            bool    `db:"blind"`
	AllowVoteChanges bool    `db:"allowVoteChanges"`
	Weight           float64 `db:"weight"`
	Public           bool    `db:"public"`
}

func (r customPollRow) poll() (types.CustomPoll, error) {
	poll := types.CustomPoll{
		ID:               r.ID,
		Owner:            r.Owner,
		Name:             r.Name,
		Prompt:           r.Prompt,
		TextRes:          r.TextRes,
		Blind:            r.Blind,
		AllowVoteChanges: r.AllowVoteChanges,
		Weight:           r.Weight,
		Public:           r.Public,
		Answers:          []types.AnswerOption{},
	}
	if err := json.Unmarshal([]byte(r.Answers), &poll.Answers); err != nil {
		return poll, errors.Wrapf(err, "custom poll %d has malformed answers", r.ID)
	}
	return poll, nil
}

const customPollColumns = `id, owner, name, prompt, answers, textRes, blind, allowVoteChanges, weight, public`

func (m *Manager) InsertCustomPoll(ctx context.Context, poll *types.CustomPoll) (int64, error) {
	answers, err := encodeJSON(poll.Answers)
	if err != nil {
		return 0, err
	}
	var id int64
	err = m.executeWrite(ctx, func(db *sqlx.DB) error {
		return db.QueryRowxContext(ctx, db.Rebind(`
			INSERT INTO custom_polls (owner, name, prompt, answers, textRes, blind, allowVoteChanges, weight, public)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`),
			poll.Owner, poll.Name, poll.Prompt, answers,
			boolInt(poll.TextRes), boolInt(poll.Blind), boolInt(poll.AllowVoteChanges), poll.Weight, boolInt(poll.Public),
		).Scan(&id)
	})
	if err != nil {
		return 0, errors.Wrap(err, "failed to insert custom poll")
	}
	poll.ID = id
	return id, nil
}

// UpdateCustomPoll rewrites a template in place. The owner never changes.
func (m *Manager) UpdateCustomPoll(ctx context.Context, poll *types.CustomPoll) error {
	answers, err := encodeJSON(poll.Answers)
	if err != nil {
		return err
	}
	err = m.update(ctx, `
		UPDATE custom_polls SET name = ?, prompt = ?, answers = ?, textRes = ?, blind = ?, allowVoteChanges = ?, weight = ?, public = ?
		WHERE id = ?`,
		poll.Name, poll.Prompt, answers,
		boolInt(poll.TextRes), boolInt(poll.Blind), boolInt(poll.AllowVoteChanges), poll.Weight, boolInt(poll.Public),
		poll.ID,
	)
	return errors.Wrapf(err, "failed to update custom poll %d", poll.ID)
}

func (m *Manager) GetCustomPoll(ctx context.Context, id int64) (*types.CustomPoll, error) {
	var row customPollRow
	if err := m.GetRow(ctx, &row, `SELECT `+customPollColumns+` FROM custom_polls WHERE id = ?`, id); err != nil {
		return nil, err
	}
	poll, err := row.poll()
	if err != nil {
		return nil, err
	}
	return &poll, nil
}

// ListCustomPolls returns the polls owned by ownerID, every public poll, and the given ids.
func (m *Manager) ListCustomPolls(ctx context.Context, ownerID int64, ids []int64) ([]types.CustomPoll, error) {
	query := `SELECT ` + customPollColumns + ` FROM custom_polls WHERE owner = ? OR public = ?`
	args := []interface{}{ownerID, 1}
	if len(ids) > 0 {
		in, inArgs, err := sqlx.In(` OR id IN (?)`, ids)
		if err != nil {
			return nil, errors.Wrap(err, "failed to expand poll ids")
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY id`

	var rows []customPollRow
	if err := m.GetRows(ctx, &rows, query, args...); err != nil {
		return nil, errors.Wrap(err, "failed to list custom polls")
	}
	polls := make([]types.CustomPoll, 0, len(rows))
	for _, row := range rows {
		poll, err := row.poll()
		if err != nil {
			return nil, err
		}
		polls = append(polls, poll)
	}
	return polls, nil
}

func (m *Manager) ListClassPolls(ctx context.Context, classID int64) ([]int64, error) {
	ids := []int64{}
	if err := m.GetRows(ctx, &ids, `SELECT pollId FROM class_polls WHERE classId = ? ORDER BY pollId`, classID); err != nil {
		return nil, errors.Wrapf(err, "failed to list shared polls of class %d", classID)
	}
	return ids, nil
}

func (m *Manager) ShareClassPoll(ctx context.Context, classID, pollID int64) error {
	_, err := m.Run(ctx, `INSERT INTO class_polls (pollId, classId) VALUES (?, ?) ON CONFLICT DO NOTHING`, pollID, classID)
	return errors.Wrap(err, "failed to share poll")
}

func (m *Manager) UnshareClassPoll(ctx context.Context, classID, pollID int64) error {
	_, err := m.Run(ctx, `DELETE FROM class_polls WHERE pollId = ? AND classId = ?`, pollID, classID)
	return errors.Wrap(err, "failed to unshare poll")
}

var _ interfaces.Store = (*Manager)(nil)
