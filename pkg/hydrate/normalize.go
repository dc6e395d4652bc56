package hydrate

import (
	"strings"

	"github.com/learnsync/learnsync/pkg/gateway"
	"github.com/learnsync/learnsync/pkg/models"
)

// normalizer turns loosely typed gateway rows into models. Rows without a
// primary key are dropped and counted per table.
type normalizer struct {
	dropped map[string]int
}

func newNormalizer() *normalizer {
	return &normalizer{dropped: map[string]int{}}
}

func (n *normalizer) drop(table string) {
	n.dropped[table]++
}

func normalizeRows[T any](n *normalizer, table string, rows []gateway.Row, conv func(gateway.Row) (T, bool)) []T {
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		v, ok := conv(row)
		if !ok {
			n.drop(table)
			continue
		}
		out = append(out, v)
	}
	return out
}

func toCover(v any) *models.Cover {
	switch t := v.(type) {
	case string:
		if obj := asObject(t); obj != nil {
			return toCover(obj)
		}
		if url := asString(t); url != "" {
			return &models.Cover{URL: url}
		}
	case map[string]any, gateway.Row:
		obj := asObject(t)
		url := asString(field(obj, "url", "src"))
		if url == "" {
			return nil
		}
		return &models.Cover{
			URL:    url,
			Alt:    asString(field(obj, "alt")),
			Width:  asInt(field(obj, "width")),
			Height: asInt(field(obj, "height")),
		}
	}
	return nil
}

func toTopic(row gateway.Row) (models.Topic, bool) {
	id := asString(field(row, "id"))
	if id == "" {
		return models.Topic{}, false
	}
	return models.Topic{
		ID:          id,
		Title:       asString(field(row, "title", "name")),
		Description: asString(field(row, "description")),
		Order:       asInt(field(row, "order", "position")),
		Cover:       toCover(field(row, "cover", "coverUrl", "cover_url")),
		CreatedAt:   asTime(field(row, "createdAt", "created_at")),
		UpdatedAt:   asTime(field(row, "updatedAt", "updated_at")),
	}, true
}

func toContent(row gateway.Row) (models.Content, bool) {
	id := asString(field(row, "id"))
	if id == "" {
		return models.Content{}, false
	}
	return models.Content{
		ID:          id,
		TopicID:     asString(field(row, "topicId", "topic_id")),
		Title:       asString(field(row, "title", "name")),
		Description: asString(field(row, "description")),
		Order:       asInt(field(row, "order", "position")),
		Cover:       toCover(field(row, "cover", "coverUrl", "cover_url")),
		CreatedAt:   asTime(field(row, "createdAt", "created_at")),
		UpdatedAt:   asTime(field(row, "updatedAt", "updated_at")),
	}, true
}

func toLesson(row gateway.Row) (models.Lesson, bool) {
	id := asString(field(row, "id"))
	if id == "" {
		return models.Lesson{}, false
	}
	duration := asFloat(field(row, "duration", "durationSeconds", "duration_seconds"))
	if duration < 0 {
		duration = 0
	}
	return models.Lesson{
		ID:        id,
		ContentID: asString(field(row, "contentId", "content_id")),
		TopicID:   asString(field(row, "topicId", "topic_id")),
		Title:     asString(field(row, "title", "name")),
		VideoURL:  asString(field(row, "videoUrl", "video_url", "url")),
		Duration:  duration,
		Order:     asInt(field(row, "order", "position")),
		Cover:     toCover(field(row, "cover", "coverUrl", "cover_url")),
		CreatedAt: asTime(field(row, "createdAt", "created_at")),
		UpdatedAt: asTime(field(row, "updatedAt", "updated_at")),
	}, true
}

func toUser(row gateway.Row) (models.User, bool) {
	uid := asString(field(row, "uid", "id"))
	if uid == "" {
		return models.User{}, false
	}
	return models.User{
		UID:       uid,
		Email:     asString(field(row, "email")),
		FullName:  asString(field(row, "fullName", "full_name", "name")),
		Role:      models.ParseRole(asString(field(row, "role"))),
		IsActive:  asBoolDefault(field(row, "isActive", "is_active", "active"), true),
		CreatedAt: asTime(field(row, "createdAt", "created_at")),
	}, true
}

func toProgress(lessonID string, v any) models.LearningProgress {
	obj := asObject(v)
	completed := asBool(field(obj, "completed", "isCompleted", "is_completed"))
	p := models.LearningProgress{
		LessonID:     lessonID,
		ContentID:    asString(field(obj, "contentId", "content_id")),
		TopicID:      asString(field(obj, "topicId", "topic_id")),
		LastPosition: asFloat(field(obj, "lastPosition", "last_position", "position")),
		Duration:     asFloat(field(obj, "duration")),
		Completed:    completed,
		UpdatedAt:    asTime(field(obj, "updatedAt", "updated_at")),
	}
	if completed {
		p.CompletedAt = asTimePtr(field(obj, "completedAt", "completed_at"))
	}
	if p.LessonID == "" {
		p.LessonID = asString(field(obj, "lessonId", "lesson_id"))
	}
	return p
}

// toProgressMap accepts the lesson progress as an object keyed by lesson id,
// a JSON string holding one, or an array of records carrying lessonId.
func toProgressMap(v any) models.ProgressMap {
	out := models.ProgressMap{}
	if arr, ok := v.([]any); ok {
		for _, item := range arr {
			p := toProgress("", item)
			if p.LessonID != "" {
				out[p.LessonID] = p
			}
		}
		return out
	}
	for id, item := range asObject(v) {
		out[id] = toProgress(id, item)
	}
	return out
}

func toParticipant(row gateway.Row) (models.Participant, bool) {
	code := asString(field(row, "code", "accessCode", "access_code"))
	if code == "" {
		return models.Participant{}, false
	}
	p := models.Participant{
		Code:           code,
		FirstName:      asString(field(row, "firstName", "first_name")),
		LastName:       asString(field(row, "lastName", "last_name")),
		PreferredName:  asString(field(row, "preferredName", "preferred_name")),
		Email:          asString(field(row, "email")),
		Phone:          asString(field(row, "phone")),
		BirthDate:      asString(field(row, "birthDate", "birth_date")),
		Notes:          asString(field(row, "notes")),
		Active:         asBoolDefault(field(row, "active", "isActive", "is_active"), true),
		CreatedAt:      asTime(field(row, "createdAt", "created_at")),
		UpdatedAt:      asTime(field(row, "updatedAt", "updated_at")),
		LessonProgress: toProgressMap(field(row, "lessonProgress", "lesson_progress", "progress")),
	}
	return p.Normalize(), true
}

func toPage(row gateway.Row) (models.CustomPage, bool) {
	id := asString(field(row, "id"))
	if id == "" {
		return models.CustomPage{}, false
	}
	return models.CustomPage{
		ID:        id,
		Title:     asString(field(row, "title", "name")),
		Order:     asInt(field(row, "order", "position")),
		CreatedAt: asTime(field(row, "createdAt", "created_at")),
		UpdatedAt: asTime(field(row, "updatedAt", "updated_at")),
	}, true
}

func toConstraints(v any) models.Constraints {
	obj := asObject(v)
	if obj == nil {
		return models.Constraints{}
	}
	return models.Constraints{
		Min:       optFloat(field(obj, "min")),
		Max:       optFloat(field(obj, "max")),
		MaxLength: optInt(field(obj, "maxLength", "max_length")),
		Pattern:   asString(field(obj, "pattern")),
		Options:   asStrings(field(obj, "options")),
	}
}

func toField(row gateway.Row) (models.CustomField, bool) {
	id := asString(field(row, "id"))
	if id == "" {
		return models.CustomField{}, false
	}
	ft := models.FieldType(asString(field(row, "type", "fieldType", "field_type")))
	if !ft.Known() {
		ft = models.FieldText
	}
	constraints := toConstraints(field(row, "constraints"))
	if opts := asStrings(field(row, "options")); len(opts) > 0 && len(constraints.Options) == 0 {
		constraints.Options = opts
	}
	return models.CustomField{
		ID:          id,
		PageID:      models.PageIDFromString(asString(field(row, "pageId", "page_id"))),
		Label:       asString(field(row, "label", "name")),
		Type:        ft,
		Required:    asBool(field(row, "required")),
		Placeholder: asString(field(row, "placeholder")),
		Constraints: constraints,
		Order:       asInt(field(row, "order", "position")),
		UpdatedAt:   asTime(field(row, "updatedAt", "updated_at")),
	}, true
}

func toValue(row gateway.Row) (models.CustomValue, bool) {
	fieldID := asString(field(row, "fieldId", "field_id"))
	code := strings.ToUpper(asString(field(row, "participantCode", "participant_code", "code")))
	id := asString(field(row, "id"))
	if id == "" && fieldID != "" && code != "" {
		id = models.ValueID(code, fieldID)
	}
	if id == "" || fieldID == "" {
		return models.CustomValue{}, false
	}
	return models.CustomValue{
		ID:              id,
		FieldID:         fieldID,
		ParticipantCode: code,
		Value:           asString(field(row, "value")),
		UpdatedAt:       asTime(field(row, "updatedAt", "updated_at")),
	}, true
}

// ParticipantFromRow normalizes a single participant row, as returned by a
// get or a participant login.
func ParticipantFromRow(row gateway.Row) (models.Participant, bool) {
	if row == nil {
		return models.Participant{}, false
	}
	return toParticipant(row)
}

// UserFromRow normalizes a single user row. Credential columns are ignored.
func UserFromRow(row gateway.Row) (models.User, bool) {
	if row == nil {
		return models.User{}, false
	}
	return toUser(row)
}
