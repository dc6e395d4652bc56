package models

import "time"

// LearningProgress is how far a participant got into one lesson.
//
// UpdatedAt is the only field consulted when two copies of the same record
// have to be reconciled. CompletedAt is meaningful only while Completed is set.
type LearningProgress struct {
	ParticipantID string     `json:"participantId"`
	LessonID      string     `json:"lessonId"`
	ContentID     string     `json:"contentId,omitempty"`
	TopicID       string     `json:"topicId,omitempty"`
	LastPosition  float64    `json:"lastPosition"`
	Duration      float64    `json:"duration"`
	Completed     bool       `json:"completed"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Normalize clamps negative positions and drops a CompletedAt that has no
// completion behind it.
func (p LearningProgress) Normalize() LearningProgress {
	if p.LastPosition < 0 {
		p.LastPosition = 0
	}
	if p.Duration < 0 {
		p.Duration = 0
	}
	if !p.Completed {
		p.CompletedAt = nil
	} else if p.CompletedAt != nil {
		at := *p.CompletedAt
		p.CompletedAt = &at
	}
	return p
}

// Clone returns a copy that shares no pointers with p.
func (p LearningProgress) Clone() LearningProgress {
	if p.CompletedAt != nil {
		at := *p.CompletedAt
		p.CompletedAt = &at
	}
	return p
}

// ProgressMap indexes progress records by lesson id.
type ProgressMap map[string]LearningProgress

// Clone deep-copies the map. A nil map clones to an empty one.
func (m ProgressMap) Clone() ProgressMap {
	out := make(ProgressMap, len(m))
	for k, v := range m {
		out[k] = v.Clone()
	}
	return out
}

// LatestUpdate returns the newest UpdatedAt in the map.
func (m ProgressMap) LatestUpdate() time.Time {
	var latest time.Time
	for _, p := range m {
		if p.UpdatedAt.After(latest) {
			latest = p.UpdatedAt
		}
	}
	return latest
}

// CompletedCount counts completed lessons.
func (m ProgressMap) CompletedCount() int {
	n := 0
	for _, p := range m {
		if p.Completed {
			n++
		}
	}
	return n
}
