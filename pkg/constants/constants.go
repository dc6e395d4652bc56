package constants

import "time"

const (
	// AccessCodeLength is the length of a participant access code.
	AccessCodeLength = 6
	// AccessCodeAlphabet omits the glyphs that are easy to misread (I, O, 0, 1).
	AccessCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

	// DefaultDebounce is how long the synchronizer waits for a quiet period before flushing.
	DefaultDebounce = 1500 * time.Millisecond
	// DefaultBackgroundDelay is the artificial delay before a background sync fetches the dump.
	DefaultBackgroundDelay = 300 * time.Millisecond
	// DefaultHTTPTimeout bounds a single gateway round trip.
	DefaultHTTPTimeout = 30 * time.Second

	// SnapshotTTL is how long the public snapshot cache stays valid.
	SnapshotTTL = 300 * time.Second
	// SchemaVersion tags every persisted payload; a mismatch invalidates it.
	SchemaVersion = "learnsync-v3"

	// PublicCacheKey is the storage key of the categorical snapshot.
	PublicCacheKey = "learnsync:public-cache"
	// ProgressCacheKeyPrefix prefixes the per-participant progress cache keys.
	ProgressCacheKeyPrefix = "learnsync:progress:"

	// CompletionTailSeconds and CompletionRatio drive the completion heuristic.
	CompletionTailSeconds = 5.0
	CompletionRatio       = 0.95
)

// Gateway table names as used by the dump and the write actions.
const (
	TableUsers        = "users"
	TableTopics       = "topics"
	TableContents     = "contents"
	TableLessons      = "lessons"
	TableParticipants = "participants"
	TablePages        = "participant_custom_pages"
	TableFields       = "participant_custom_schema"
	TableValues       = "participant_custom_data"
)
