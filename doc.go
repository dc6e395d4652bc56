// Package learnsync is an offline-first client for the learnsync gateway.
//
// # Store
//
// A [Client] keeps every gateway table in a reactive in-memory store. UI code
// subscribes to a group, for instance with [Client.SubscribeTopics], and gets
// a sorted snapshot immediately and after every change.
//
// # Writes
//
// Writes apply to the store first. Participant profile and progress changes
// mark the participant dirty; the synchronizer in [github.com/learnsync/learnsync/pkg/syncer]
// batches them into one batch_upsert after a quiet period. Completing a
// lesson flushes right away. Every other write is confirmed with the gateway
// before the method returns, and a rejected write schedules a background
// sync that brings the store back in line.
//
// # Offline
//
// Without a gateway URL and secret every remote call is a no-op. The store
// still works and the local cache in [github.com/learnsync/learnsync/pkg/cache]
// persists progress, so a later run with a gateway picks up where this one
// stopped.
//
// # Errors
//
// Operations return *[Error]. Check the Code with [IsCode]:
//
//	if learnsync.IsCode(err, learnsync.CodeParticipantNotFound) {
//		// ask for the access code again
//	}
package learnsync
