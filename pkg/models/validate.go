package models

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// ValidationError reports a rejected write before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidateField checks a field declaration.
func ValidateField(f CustomField) error {
	if strings.TrimSpace(f.Label) == "" {
		return invalid("label", "is required")
	}
	if !f.Type.Known() {
		return invalid("type", "unknown field type %q", f.Type)
	}
	c := f.Constraints
	if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
		return invalid("constraints", "min %v is greater than max %v", *c.Min, *c.Max)
	}
	if c.MaxLength != nil && *c.MaxLength < 0 {
		return invalid("constraints", "maxLength must not be negative")
	}
	if c.Pattern != "" {
		if _, err := regexp.Compile(c.Pattern); err != nil {
			return invalid("constraints", "pattern does not compile: %v", err)
		}
	}
	if f.Type == FieldSelect && len(c.Options) == 0 {
		return invalid("constraints", "select fields need at least one option")
	}
	return nil
}

// ValidateValue checks a raw value against the field it is bound to.
func ValidateValue(f CustomField, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		if f.Required {
			return invalid(f.Label, "is required")
		}
		return nil
	}

	c := f.Constraints
	if c.MaxLength != nil && utf8.RuneCountInString(value) > *c.MaxLength {
		return invalid(f.Label, "longer than %d characters", *c.MaxLength)
	}

	switch f.Type {
	case FieldNumber:
		n, err := strconv.ParseFloat(strings.Replace(value, ",", ".", 1), 64)
		if err != nil {
			return invalid(f.Label, "%q is not a number", value)
		}
		if c.Min != nil && n < *c.Min {
			return invalid(f.Label, "must be at least %v", *c.Min)
		}
		if c.Max != nil && n > *c.Max {
			return invalid(f.Label, "must be at most %v", *c.Max)
		}
	case FieldDate:
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			return invalid(f.Label, "%q is not a YYYY-MM-DD date", value)
		}
	case FieldCPF:
		if !ValidCPF(value) {
			return invalid(f.Label, "%q is not a valid CPF", value)
		}
	case FieldEmail:
		if !emailPattern.MatchString(value) {
			return invalid(f.Label, "%q is not an email address", value)
		}
	case FieldPhone:
		if n := len(digitsOf(value)); n < 10 || n > 13 {
			return invalid(f.Label, "%q is not a phone number", value)
		}
	case FieldSelect:
		if !slices.Contains(c.Options, value) {
			return invalid(f.Label, "%q is not one of the options", value)
		}
	case FieldCheckbox:
		if _, err := strconv.ParseBool(value); err != nil {
			return invalid(f.Label, "%q is not true or false", value)
		}
	}

	if c.Pattern != "" {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return invalid(f.Label, "pattern does not compile: %v", err)
		}
		if !re.MatchString(value) {
			return invalid(f.Label, "does not match %s", c.Pattern)
		}
	}
	return nil
}

// ValidCPF verifies the two check digits of a Brazilian CPF number.
// Punctuation is ignored.
func ValidCPF(s string) bool {
	d := digitsOf(s)
	if len(d) != 11 {
		return false
	}
	if strings.Count(string(d), string(d[0])) == 11 {
		return false
	}
	check := func(n int) byte {
		sum := 0
		for i := 0; i < n; i++ {
			sum += int(d[i]-'0') * (n + 1 - i)
		}
		r := (sum * 10) % 11
		if r == 10 {
			r = 0
		}
		return byte('0' + r)
	}
	return check(9) == d[9] && check(10) == d[10]
}

func digitsOf(s string) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			out = append(out, s[i])
		}
	}
	return out
}
