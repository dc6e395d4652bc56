package models

import (
	"strings"
	"time"
)

// Participant is someone who watches lessons, identified by an access code.
//
// DisplayName is derived: PreferredName when set, else the joined first and
// last names, else the code itself. Call Normalize after every mutation.
type Participant struct {
	Code           string      `json:"code"`
	FirstName      string      `json:"firstName,omitempty"`
	LastName       string      `json:"lastName,omitempty"`
	PreferredName  string      `json:"preferredName,omitempty"`
	DisplayName    string      `json:"displayName"`
	Email          string      `json:"email,omitempty"`
	Phone          string      `json:"phone,omitempty"`
	BirthDate      string      `json:"birthDate,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	Active         bool        `json:"active"`
	CreatedAt      time.Time   `json:"createdAt"`
	UpdatedAt      time.Time   `json:"updatedAt"`
	LessonProgress ProgressMap `json:"lessonProgress"`
}

func (p Participant) Key() string   { return p.Code }
func (p Participant) Label() string { return p.DisplayName }

func (p Participant) Clone() Participant {
	p.LessonProgress = p.LessonProgress.Clone()
	return p
}

// Normalize canonicalizes the code, recomputes DisplayName, and normalizes
// every progress record so it points back at this participant.
func (p Participant) Normalize() Participant {
	p.Code = strings.ToUpper(strings.TrimSpace(p.Code))
	p.FirstName = strings.TrimSpace(p.FirstName)
	p.LastName = strings.TrimSpace(p.LastName)
	p.PreferredName = strings.TrimSpace(p.PreferredName)
	p.DisplayName = DisplayNameFor(p.PreferredName, p.FirstName, p.LastName, p.Code)

	progress := make(ProgressMap, len(p.LessonProgress))
	for id, rec := range p.LessonProgress {
		id = strings.TrimSpace(id)
		if id == "" {
			id = strings.TrimSpace(rec.LessonID)
		}
		if id == "" {
			continue
		}
		rec.LessonID = id
		rec.ParticipantID = p.Code
		progress[id] = rec.Normalize()
	}
	p.LessonProgress = progress
	return p
}

// DisplayNameFor implements the display name fallback chain.
func DisplayNameFor(preferred, first, last, code string) string {
	if preferred != "" {
		return preferred
	}
	if full := strings.TrimSpace(strings.Join([]string{first, last}, " ")); full != "" {
		return full
	}
	return code
}

// IsAccessCode reports whether s is a well-formed access code for the given alphabet.
func IsAccessCode(s string, length int, alphabet string) bool {
	if len(s) != length {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}
