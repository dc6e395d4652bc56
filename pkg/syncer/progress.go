package syncer

import (
	"time"

	"github.com/learnsync/learnsync/pkg/constants"
	"github.com/learnsync/learnsync/pkg/models"
)

// Merge reconciles two copies of a participant's progress. For every lesson
// the primary record wins unless the secondary one was updated strictly
// later. Lessons present on one side only are kept.
//
// Merge(m, m) equals m, and the result never holds a record older than the
// newer of its two inputs.
func Merge(primary, secondary models.ProgressMap) models.ProgressMap {
	out := make(models.ProgressMap, len(primary)+len(secondary))
	for id, rec := range secondary {
		out[id] = rec.Clone()
	}
	for id, rec := range primary {
		if other, ok := out[id]; ok && other.UpdatedAt.After(rec.UpdatedAt) {
			continue
		}
		out[id] = rec.Clone()
	}
	return out
}

// IsComplete applies the completion heuristic: close enough to the end,
// either in seconds or as a fraction of the duration.
func IsComplete(lastPosition, duration float64) bool {
	if duration <= 0 {
		return false
	}
	return duration-lastPosition <= constants.CompletionTailSeconds ||
		lastPosition/duration >= constants.CompletionRatio
}

// ApplyPosition records a new playback position. A zero duration keeps the
// previously known one. Completion is sticky: rewinding a completed lesson
// moves the position but leaves it completed.
func ApplyPosition(p models.LearningProgress, position, duration float64, now time.Time) models.LearningProgress {
	if position < 0 {
		position = 0
	}
	if duration > 0 {
		p.Duration = duration
	}
	p.LastPosition = position
	p.UpdatedAt = now
	if !p.Completed && IsComplete(p.LastPosition, p.Duration) {
		p = MarkComplete(p, now)
	}
	return p
}

// MarkComplete flags the lesson as completed at now, keeping an earlier
// completion time if there is one.
func MarkComplete(p models.LearningProgress, now time.Time) models.LearningProgress {
	p.UpdatedAt = now
	if p.Completed && p.CompletedAt != nil {
		return p
	}
	p.Completed = true
	at := now
	p.CompletedAt = &at
	return p
}
