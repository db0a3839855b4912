package session

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Stage tracks progression through the conversation script.
type Stage string

const (
	StageNew       Stage = "new"
	StageAskName   Stage = "ask_name"
	StageAskNeed   Stage = "ask_need"
	StageDialog    Stage = "dialog"
	StageClosing   Stage = "closing"
	StageEscalated Stage = "escalated"
)

var stageRank = map[Stage]int{
	StageNew:       0,
	StageAskName:   1,
	StageAskNeed:   2,
	StageDialog:    3,
	StageClosing:   4,
	StageEscalated: 4,
}

// legacy values written by earlier deployments
var stageAliases = map[string]Stage{
	"cierre":   StageClosing,
	"escalado": StageEscalated,
}

func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Before reports whether moving from s to next is a forward transition.
// closing and escalated are terminal and never replace each other.
func (s Stage) Before(next Stage) bool {
	from, ok := stageRank[s]
	if !ok {
		from = 0
	}
	to, ok := stageRank[next]
	if !ok {
		return false
	}
	return to > from
}

func (s *Stage) UnmarshalJSON(b []byte) error {
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	raw = strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := stageAliases[raw]; ok {
		*s = alias
		return nil
	}
	*s = Stage(raw)
	return nil
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Flag is a yes/no slot. The generative fallback sends either JSON booleans
// or free text, so both are accepted.
type Flag string

const (
	FlagYes Flag = "yes"
	FlagNo  Flag = "no"
)

func (f *Flag) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err == nil {
		if v {
			*f = FlagYes
		} else {
			*f = FlagNo
		}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*f = Flag(s)
	return nil
}

// Slots is the structured conversation state for a sender. Zero values mean
// "unknown"; DefaultSlots documents the non-zero defaults.
type Slots struct {
	ContactName          string `json:"contact_name"`
	Stage                Stage  `json:"stage"`
	VisaType             string `json:"visa_type"`
	Purpose              string `json:"purpose"`
	PersonsCount         int    `json:"persons_count"`
	EmploymentStatus     string `json:"employment_status"`
	MonthlyIncomeMXN     int    `json:"monthly_income_mxn"`
	Assets               string `json:"assets"`
	Debts                string `json:"debts"`
	PassportsReady       Flag   `json:"passports_ready"`
	TravelMonth          string `json:"travel_month"`
	StayLengthDays       int    `json:"stay_length_days"`
	PreviousVisa         Flag   `json:"previous_visa"`
	PreviousVisaExpiry   string `json:"previous_visa_expiry"`
	LegalIssues          Flag   `json:"legal_issues"`
	City                 string `json:"city"`
	ContactEmail         string `json:"contact_email"`
	ContactPhone         string `json:"contact_phone"`
	InterestedInRenewal  Flag   `json:"interested_in_renewal"`
	InterestedInExpedite Flag   `json:"interested_in_expedite"`
	LastIntent           string `json:"last_intent"`
	LastQuestion         string `json:"last_question"`
	LastAnsweredAt       string `json:"last_answered_at"`
}

func DefaultSlots() Slots {
	return Slots{
		Stage:   StageNew,
		Purpose: "turismo",
	}
}

// decodeSlots overlays stored JSON on the defaults so fields added after a
// record was written still come back with their documented default.
func decodeSlots(data []byte) (Slots, error) {
	s := DefaultSlots()
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return DefaultSlots(), err
	}
	if !s.Stage.Valid() {
		s.Stage = StageNew
	}
	return s, nil
}

var slotKeys = func() map[string]struct{} {
	keys := make(map[string]struct{})
	t := reflect.TypeOf(Slots{})
	for i := 0; i < t.NumField(); i++ {
		name, _, _ := strings.Cut(t.Field(i).Tag.Get("json"), ",")
		keys[name] = struct{}{}
	}
	return keys
}()

// Delta is a partial slot update keyed by JSON slot name.
type Delta map[string]any

func (d Delta) sortedKeys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge applies every meaningful, changed value for a known slot and returns
// the result plus the names of slots that changed. Values that do not fit the
// slot's type are skipped. The stage slot is owned by Store.Advance and is
// never touched here.
func (s Slots) Merge(delta Delta) (Slots, []string) {
	out := s
	var changed []string
	for _, k := range delta.sortedKeys() {
		if k == "stage" {
			continue
		}
		if _, ok := slotKeys[k]; !ok {
			continue
		}
		v := delta[k]
		if !meaningful(v) {
			continue
		}
		raw, err := json.Marshal(map[string]any{k: v})
		if err != nil {
			continue
		}
		next := out
		if err := json.Unmarshal(raw, &next); err != nil {
			continue
		}
		if next == out {
			continue
		}
		out = next
		changed = append(changed, k)
	}
	return out, changed
}

func meaningful(v any) bool {
	if v == nil {
		return false
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) != ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map:
		return rv.Len() > 0
	case reflect.Pointer, reflect.Interface:
		return !rv.IsNil()
	}
	return true
}

type Session struct {
	Key       string    `json:"key"`
	Slots     Slots     `json:"slots"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s Session) Stage() Stage { return s.Slots.Stage }

type Turn struct {
	Seq       int64     `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}
