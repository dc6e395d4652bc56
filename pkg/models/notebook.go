package models

import (
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

// FieldType is the declared input type of a custom notebook field.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldTextarea FieldType = "textarea"
	FieldNumber   FieldType = "number"
	FieldDate     FieldType = "date"
	FieldCPF      FieldType = "cpf"
	FieldEmail    FieldType = "email"
	FieldPhone    FieldType = "phone"
	FieldSelect   FieldType = "select"
	FieldCheckbox FieldType = "checkbox"
)

var fieldTypes = map[FieldType]struct{}{
	FieldText: {}, FieldTextarea: {}, FieldNumber: {}, FieldDate: {}, FieldCPF: {},
	FieldEmail: {}, FieldPhone: {}, FieldSelect: {}, FieldCheckbox: {},
}

// Known reports whether t is one of the supported field types.
func (t FieldType) Known() bool {
	_, ok := fieldTypes[t]
	return ok
}

// CustomPage groups notebook fields.
type CustomPage struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Order     int       `json:"order"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (p CustomPage) Key() string       { return p.ID }
func (p CustomPage) Label() string     { return p.Title }
func (p CustomPage) Clone() CustomPage { return p }

// Constraints narrow the values a field accepts. Zero values mean "no constraint".
type Constraints struct {
	Min       *float64 `json:"min,omitempty"`
	Max       *float64 `json:"max,omitempty"`
	MaxLength *int     `json:"maxLength,omitempty"`
	Pattern   string   `json:"pattern,omitempty"`
	Options   []string `json:"options,omitempty"`
}

func (c Constraints) clone() Constraints {
	if c.Min != nil {
		v := *c.Min
		c.Min = &v
	}
	if c.Max != nil {
		v := *c.Max
		c.Max = &v
	}
	if c.MaxLength != nil {
		v := *c.MaxLength
		c.MaxLength = &v
	}
	if c.Options != nil {
		c.Options = append([]string(nil), c.Options...)
	}
	return c
}

// CustomField declares one input of the participant notebook. A nil PageID
// places the field in the unpaged group.
type CustomField struct {
	ID          string      `json:"id"`
	PageID      *string     `json:"pageId"`
	Label       string      `json:"label"`
	Type        FieldType   `json:"type"`
	Required    bool        `json:"required,omitempty"`
	Placeholder string      `json:"placeholder,omitempty"`
	Constraints Constraints `json:"constraints"`
	Order       int         `json:"order"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

func (f CustomField) Key() string { return f.ID }

func (f CustomField) Clone() CustomField {
	if f.PageID != nil {
		id := *f.PageID
		f.PageID = &id
	}
	f.Constraints = f.Constraints.clone()
	return f
}

// PageKey is the page group of the field, "" for the unpaged group.
func (f CustomField) PageKey() string {
	if f.PageID == nil {
		return ""
	}
	return *f.PageID
}

// CanonicalPageID collapses the empty and null-like spellings a page id can
// arrive with into nil.
func CanonicalPageID(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	switch strings.ToLower(v) {
	case "", "null", "undefined", "none", "nil":
		return nil
	}
	return &v
}

// PageIDFromString is CanonicalPageID for a plain string.
func PageIDFromString(s string) *string {
	return CanonicalPageID(&s)
}

// CustomValue binds a field to a participant.
type CustomValue struct {
	ID              string    `json:"id"`
	FieldID         string    `json:"fieldId"`
	ParticipantCode string    `json:"participantCode"`
	Value           string    `json:"value"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

func (v CustomValue) Key() string        { return v.ID }
func (v CustomValue) Clone() CustomValue { return v }

// ValueID is the stable id of the value a participant holds for a field.
func ValueID(participantCode, fieldID string) string {
	return participantCode + ":" + fieldID
}

// NewID returns a random identifier for locally created records.
func NewID() string {
	return uuid.Must(uuid.NewV4()).String()
}
