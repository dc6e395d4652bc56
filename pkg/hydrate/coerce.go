package hydrate

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/learnsync/learnsync/pkg/gateway"
)

// field returns the first present, non-nil value among names. Rows coming
// from spreadsheets use both camelCase and snake_case headers.
func field(row gateway.Row, names ...string) any {
	for _, name := range names {
		if v, ok := row[name]; ok && v != nil {
			return v
		}
	}
	return nil
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t == 1
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "1", "yes", "sim", "y", "s":
			return true
		}
	}
	return false
}

// asBoolDefault is asBool with a fallback for missing values.
func asBoolDefault(v any, def bool) bool {
	if v == nil {
		return def
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return def
	}
	return asBool(v)
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return 0
		}
		return t
	case json.Number:
		f, _ := t.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.Replace(strings.TrimSpace(t), ",", ".", 1), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0
		}
		return f
	case bool:
		if t {
			return 1
		}
	}
	return 0
}

func asInt(v any) int {
	return int(math.Round(asFloat(v)))
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	time.DateTime,
	time.DateOnly,
}

// asTime accepts RFC 3339 text, bare dates and epoch milliseconds. Anything
// else is the zero time.
func asTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC()
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	case float64:
		if t > 0 {
			return time.UnixMilli(int64(t)).UTC()
		}
	case json.Number:
		if ms, err := t.Int64(); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}

func asTimePtr(v any) *time.Time {
	ts := asTime(v)
	if ts.IsZero() {
		return nil
	}
	return &ts
}

// asObject accepts a JSON object or a string holding one, the way
// spreadsheet cells carry nested data.
func asObject(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		return t
	case gateway.Row:
		return t
	case string:
		var out map[string]any
		if json.Unmarshal([]byte(t), &out) == nil {
			return out
		}
	}
	return nil
}

// asStrings accepts an array, a JSON array in a string, or a comma
// separated string.
func asStrings(v any) []string {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case []string:
		items = make([]any, len(t))
		for i, s := range t {
			items[i] = s
		}
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		if strings.HasPrefix(s, "[") && json.Unmarshal([]byte(s), &items) == nil {
			break
		}
		for _, part := range strings.Split(s, ",") {
			items = append(items, part)
		}
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s := asString(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func optFloat(v any) *float64 {
	if v == nil {
		return nil
	}
	if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
		return nil
	}
	f := asFloat(v)
	return &f
}

func optInt(v any) *int {
	f := optFloat(v)
	if f == nil {
		return nil
	}
	i := int(math.Round(*f))
	return &i
}
