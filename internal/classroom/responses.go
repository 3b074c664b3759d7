package classroom

import (
	"formbar/pkg/types"
)

// ResponseInfo is the response-rate summary of the active poll.
type ResponseInfo struct {
	TotalResponses  int `json:"totalResponses"`
	TotalResponders int `json:"totalResponders"`
}

// IsExcluded reports whether member is left out of the responder count.
// globalLevel is the member's global permission level.
func IsExcluded(c *types.Classroom, member *types.Member, globalLevel int) bool {
	if c.Poll.IsExcludedRespondent(member.UserID) || member.HasTag(types.TagExcluded) {
		return true
	}
	exclusion := c.Settings.IsExcluded
	if exclusion.Guests && globalLevel == types.GuestPermissions {
		return true
	}
	if exclusion.Mods && member.ClassPermissions == types.ModPermissions {
		return true
	}
	if exclusion.Teachers && member.ClassPermissions == types.TeacherPermissions {
		return true
	}
	if member.Break != nil && member.Break.Approved {
		return true
	}
	return member.HasTag(types.TagOffline) || member.ClassPermissions >= types.TeacherPermissions
}

// ResponseInformation recomputes the poll's counters from live member state:
// per-answer counts on c.Poll.Responses plus the totals, which it also
// stores on c.Poll. Must be called with the classroom lock held.
func (r *Registry) ResponseInformation(c *types.Classroom) ResponseInfo {
	var info ResponseInfo
	for i := range c.Poll.Responses {
		c.Poll.Responses[i].Responses = 0
	}

	for _, member := range c.Students {
		globalLevel := types.GuestPermissions
		if user, ok := r.UserByID(member.UserID); ok {
			globalLevel = user.Permissions
		}
		if IsExcluded(c, member, globalLevel) {
			continue
		}
		info.TotalResponders++

		if member.PollRes.IsEmpty() {
			continue
		}
		info.TotalResponses++
		for _, answer := range member.PollRes.Buttons {
			for i := range c.Poll.Responses {
				if c.Poll.Responses[i].Answer == answer {
					c.Poll.Responses[i].Responses++
					break
				}
			}
		}
	}

	c.Poll.TotalResponses = info.TotalResponses
	c.Poll.TotalResponders = info.TotalResponders
	return info
}
