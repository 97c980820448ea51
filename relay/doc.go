// Package relay contains the polling, diff and dedup engine that decides which
// posts of a watched account are new and advances the account's watermark.
//
// It provides two entrypoints for the scheduler:
//   - Engine.RunCycle: compares stored and live post counts for every active
//     account, fetches at most FetchCap recent posts where the count grew,
//     filters out already-seen and stale pinned posts, delivers the rest
//     oldest-first and persists the advanced watermark.
//   - Engine.InitializeBaselines: resyncs every active account's watermark
//     count to its live count so the first cycle after startup only reports
//     posts created after boot.
//
// StartPollJob drives both from a single goroutine, which is what guarantees
// the two never run concurrently. The engine itself only rejects overlapping
// RunCycle calls.
//
// The repository, content source and notifier are injected through the
// Store, Source and Notifier interfaces; concrete implementations live in the
// store, twitterapi and notify packages.
package relay
