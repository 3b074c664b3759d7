package classroom

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/labstack/gommon/log"

	"formbar/pkg/types"
)

// Hydrate builds an inactive in-memory classroom from its persisted row.
// Malformed JSON columns fall back to defaults rather than failing the load.
func Hydrate(record *types.ClassroomRecord) *types.Classroom {
	c := types.NewClassroom(record.ID, record.Name, record.Key, record.Owner)

	var rawPermissions map[string]interface{}
	if record.Permissions != "" {
		if err := json.Unmarshal([]byte(record.Permissions), &rawPermissions); err != nil {
			log.Warnf("classroom %d has malformed permissions, using defaults: %v", record.ID, err)
		}
	}
	c.Permissions = types.NormalizeRawPermissions(rawPermissions)

	c.Tags = NormalizeClassTags(DecodeTags(record.Tags))

	if record.Settings != "" {
		if err := json.Unmarshal([]byte(record.Settings), &c.Settings); err != nil {
			log.Warnf("classroom %d has malformed settings, using defaults: %v", record.ID, err)
			c.Settings = types.Settings{}
		}
	}
	return c
}

// DecodeTags parses a JSON tag column. Legacy comma-separated values are accepted.
func DecodeTags(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil {
		tags = strings.Split(raw, ",")
	}
	return CleanTags(tags)
}

// CleanTags trims tags and drops empty and duplicate entries, keeping order.
func CleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || types.ContainsString(out, tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// NormalizeClassTags returns the class vocabulary with Offline first and the
// remaining tags sorted.
func NormalizeClassTags(tags []string) []string {
	rest := types.RemoveString(CleanTags(tags), types.TagOffline)
	sort.Strings(rest)
	return append([]string{types.TagOffline}, rest...)
}

// MemberTags applies the Offline rule: present unless the member is active.
func MemberTags(tags []string, active bool) []string {
	tags = types.RemoveString(CleanTags(tags), types.TagOffline)
	if !active {
		tags = append(tags, types.TagOffline)
	}
	return tags
}

// NewMember creates the roster overlay for a user joining or being loaded.
func NewMember(userID int64, level int, tags []string, active, multiple bool) *types.Member {
	return &types.Member{
		UserID:           userID,
		ClassPermissions: level,
		Tags:             MemberTags(tags, active),
		PollRes:          types.PollResponse{Multiple: multiple},
	}
}

// PersistedTags is the member tag set as stored: without Offline.
func PersistedTags(tags []string) []string {
	return types.RemoveString(tags, types.TagOffline)
}

// EncodeRecord renders the JSON columns of c for persistence.
func EncodeRecord(c *types.Classroom) (*types.ClassroomRecord, error) {
	tags, err := json.Marshal(c.Tags)
	if err != nil {
		return nil, err
	}
	permissions, err := json.Marshal(c.Permissions)
	if err != nil {
		return nil, err
	}
	settings, err := json.Marshal(c.Settings)
	if err != nil {
		return nil, err
	}
	return &types.ClassroomRecord{
		ID:          c.ID,
		Name:        c.Name,
		Owner:       c.Owner,
		Key:         c.Key,
		Tags:        string(tags),
		Permissions: string(permissions),
		Settings:    string(settings),
	}, nil
}

// ClassLevel returns the effective class level of user in c: the owner is
// always a manager, otherwise the roster level, or -1 if not a member.
func ClassLevel(c *types.Classroom, userID int64) int {
	if userID == c.Owner {
		return types.ManagerPermissions
	}
	if member, ok := c.Students[userID]; ok {
		return member.ClassPermissions
	}
	return -1
}
