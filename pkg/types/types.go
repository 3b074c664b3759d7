package types

import (
	"encoding/json"
	"sync"
	"time"
)

// Tag names with built-in meaning.
const (
	TagOffline  = "Offline"
	TagExcluded = "Excluded"
)

// RemoveResponse is the single-select sentinel for withdrawing an answer.
const RemoveResponse = "remove"

// UserSession is one authenticated identity's global state. It is owned by
// the classroom registry; classrooms refer to it by ID only.
type UserSession struct {
	ID          int64  `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Permissions int    `json:"permissions"`
	IsGuest     bool   `json:"isGuest"`

	mu          sync.RWMutex
	activeClass int64
	pogMeter    int
}

// ActiveClass returns the classroom the user is attached to, or 0.
func (u *UserSession) ActiveClass() int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.activeClass
}

func (u *UserSession) SetActiveClass(classID int64) {
	u.mu.Lock()
	u.activeClass = classID
	u.mu.Unlock()
}

// ClearActiveClass detaches the user only if still attached to classID.
func (u *UserSession) ClearActiveClass(classID int64) {
	u.mu.Lock()
	if u.activeClass == classID {
		u.activeClass = 0
	}
	u.mu.Unlock()
}

func (u *UserSession) PogMeter() int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.pogMeter
}

func (u *UserSession) SetPogMeter(value int) {
	u.mu.Lock()
	u.pogMeter = value
	u.mu.Unlock()
}

// AdvancePogMeter adds points to meter and wraps it at threshold. It returns
// the new meter value and how many times the threshold was crossed.
func AdvancePogMeter(meter, points, threshold int) (int, int) {
	meter += points
	rollovers := 0
	for threshold > 0 && meter >= threshold {
		meter -= threshold
		rollovers++
	}
	return meter, rollovers
}

// BreakTicket is a pending or approved break request.
type BreakTicket struct {
	Reason   string `json:"reason"`
	Approved bool   `json:"approved"`
}

// HelpTicket is an open help request.
type HelpTicket struct {
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}

// Member is the per-classroom overlay for one roster entry.
type Member struct {
	UserID           int64
	ClassPermissions int
	Tags             []string
	Break            *BreakTicket
	Help             *HelpTicket
	PollRes          PollResponse
}

func (m *Member) HasTag(tag string) bool {
	return ContainsString(m.Tags, tag)
}

// PollResponse is a member's answer to the active poll. On the wire
// buttonRes is a string for single-select polls and an array otherwise.
type PollResponse struct {
	Buttons  []string
	Multiple bool
	Text     string
	Time     *time.Time
}

func (r PollResponse) IsEmpty() bool {
	return len(r.Buttons) == 0
}

// Reset clears the response, keeping the select mode of the current poll.
func (r *PollResponse) Reset(multiple bool) {
	*r = PollResponse{Multiple: multiple}
}

func (r PollResponse) MarshalJSON() ([]byte, error) {
	var button interface{} = ""
	if r.Multiple {
		buttons := r.Buttons
		if buttons == nil {
			buttons = []string{}
		}
		button = buttons
	} else if len(r.Buttons) > 0 {
		button = r.Buttons[0]
	}
	return json.Marshal(struct {
		ButtonRes interface{} `json:"buttonRes"`
		TextRes   string      `json:"textRes"`
		Time      *time.Time  `json:"time"`
	}{button, r.Text, r.Time})
}

// ResponseValue is an inbound poll answer: a single string or a list.
type ResponseValue struct {
	Values []string
	IsList bool
}

func (v *ResponseValue) UnmarshalJSON(data []byte) error {
	var list []string
	if err := json.Unmarshal(data, &list); err == nil {
		v.Values = list
		v.IsList = true
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	v.Values = []string{single}
	v.IsList = false
	return nil
}

func (v ResponseValue) MarshalJSON() ([]byte, error) {
	if v.IsList {
		if v.Values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.Values)
	}
	if len(v.Values) == 0 {
		return json.Marshal("")
	}
	return json.Marshal(v.Values[0])
}

// SingleResponse and ListResponse build inbound answers.
func SingleResponse(answer string) ResponseValue {
	return ResponseValue{Values: []string{answer}}
}

func ListResponse(answers ...string) ResponseValue {
	if answers == nil {
		answers = []string{}
	}
	return ResponseValue{Values: answers, IsList: true}
}

// AnswerOption is one configured choice of a poll. Responses is computed.
type AnswerOption struct {
	Answer    string  `json:"answer"`
	Weight    float64 `json:"weight"`
	Color     string  `json:"color"`
	Correct   bool    `json:"correct"`
	Responses int     `json:"responses"`
}

// Poll is the single ballot embedded in a classroom.
type Poll struct {
	Status                 bool           `json:"status"`
	Prompt                 string         `json:"prompt"`
	Responses              []AnswerOption `json:"responses"`
	AllowMultipleResponses bool           `json:"allowMultipleResponses"`
	AllowTextResponses     bool           `json:"allowTextResponses"`
	AllowVoteChanges       bool           `json:"allowVoteChanges"`
	Blind                  bool           `json:"blind"`
	Weight                 float64        `json:"weight"`
	ExcludedRespondents    []int64        `json:"excludedRespondents"`
	StudentsAllowedToVote  []int64        `json:"studentsAllowedToVote,omitempty"`
	StartTime              *time.Time     `json:"startTime,omitempty"`
	TotalResponses         int            `json:"totalResponses"`
	TotalResponders        int            `json:"totalResponders"`

	// Rewarded tracks members already credited pog meter points this poll.
	Rewarded map[int64]bool `json:"-"`
}

// NewPoll returns the inactive poll a classroom starts with and returns to.
func NewPoll() Poll {
	return Poll{
		Responses:           []AnswerOption{},
		Weight:              1,
		ExcludedRespondents: []int64{},
		Rewarded:            make(map[int64]bool),
	}
}

func (p *Poll) HasAnswer(answer string) bool {
	for _, option := range p.Responses {
		if option.Answer == answer {
			return true
		}
	}
	return false
}

// AnswerWeight returns the weight of answer, or 1 if it is not configured.
func (p *Poll) AnswerWeight(answer string) float64 {
	for _, option := range p.Responses {
		if option.Answer == answer {
			return option.Weight
		}
	}
	return 1
}

func (p *Poll) IsExcludedRespondent(userID int64) bool {
	for _, id := range p.ExcludedRespondents {
		if id == userID {
			return true
		}
	}
	return false
}

// ExclusionSettings exclude whole roles from the responder count.
type ExclusionSettings struct {
	Guests   bool `json:"guests"`
	Mods     bool `json:"mods"`
	Teachers bool `json:"teachers"`
}

// Settings are misc per-class toggles.
type Settings struct {
	Mute       bool              `json:"mute"`
	Filter     string            `json:"filter"`
	Sort       string            `json:"sort"`
	IsExcluded ExclusionSettings `json:"isExcluded"`
}

// PollRecord is an archived poll.
type PollRecord struct {
	ID                     int64          `json:"id" db:"id"`
	ClassID                int64          `json:"classId" db:"class"`
	Prompt                 string         `json:"prompt" db:"prompt"`
	Responses              []AnswerOption `json:"responses" db:"-"`
	AllowMultipleResponses bool           `json:"allowMultipleResponses" db:"allowMultipleResponses"`
	Blind                  bool           `json:"blind" db:"blind"`
	AllowTextResponses     bool           `json:"allowTextResponses" db:"allowTextResponses"`
	Answers                []PollAnswer   `json:"answers" db:"-"`
	CreatedAt              time.Time      `json:"createdAt" db:"-"`
}

// PollAnswer is one member's final answer to an archived poll.
type PollAnswer struct {
	PollID         int64     `json:"pollId"`
	ClassID        int64     `json:"classId"`
	UserID         int64     `json:"userId"`
	Email          string    `json:"email,omitempty"`
	ButtonResponse []string  `json:"buttonResponse"`
	TextResponse   string    `json:"textResponse"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Classroom is the aggregate for one class. Students maps user IDs to the
// per-class overlay; user data itself lives in the registry.
type Classroom struct {
	ID          int64             `json:"id"`
	Name        string            `json:"className"`
	Key         string            `json:"key"`
	Owner       int64             `json:"owner"`
	IsActive    bool              `json:"isActive"`
	Students    map[int64]*Member `json:"-"`
	Permissions map[string]int    `json:"permissions"`
	Tags        []string          `json:"tags"`
	Settings    Settings          `json:"settings"`
	Poll        Poll              `json:"poll"`
	PollHistory []PollRecord      `json:"-"`
	SharedPolls []int64           `json:"sharedPolls"`
}

// NewClassroom returns an inactive classroom with normalized permissions.
func NewClassroom(id int64, name, key string, owner int64) *Classroom {
	return &Classroom{
		ID:          id,
		Name:        name,
		Key:         key,
		Owner:       owner,
		Students:    make(map[int64]*Member),
		Permissions: NormalizePermissions(nil),
		Tags:        []string{TagOffline},
		Poll:        NewPoll(),
		PollHistory: []PollRecord{},
		SharedPolls: []int64{},
	}
}

// ControlPanelThreshold is the minimum class level that receives the full projection.
func (c *Classroom) ControlPanelThreshold() int {
	threshold := c.Permissions[CapControlPolls]
	for _, capability := range []string{CapManageStudents, CapManageClass} {
		if level := c.Permissions[capability]; level < threshold {
			threshold = level
		}
	}
	return threshold
}

// Allows reports whether level satisfies the threshold of capability.
func (c *Classroom) Allows(capability string, level int) bool {
	threshold, ok := c.Permissions[capability]
	if !ok {
		threshold = DefaultClassPermissions[capability]
	}
	return level >= threshold
}

// CustomPoll is a reusable poll template.
type CustomPoll struct {
	ID               int64          `json:"id" db:"id"`
	Owner            int64          `json:"owner" db:"owner"`
	Name             string         `json:"name" db:"name"`
	Prompt           string         `json:"prompt" db:"prompt"`
	Answers          []AnswerOption `json:"answers" db:"-"`
	TextRes          bool           `json:"textRes" db:"textRes"`
	Blind            bool           `json:"blind" db:"blind"`
	AllowVoteChanges bool           `json:"allowVoteChanges" db:"allowVoteChanges"`
	Weight           float64        `json:"weight" db:"weight"`
	Public           bool           `json:"public" db:"public"`
}

// ContainsString reports whether list contains s.
func ContainsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// RemoveString returns list without any occurrence of s.
func RemoveString(list []string, s string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != s {
			out = append(out, item)
		}
	}
	return out
}
