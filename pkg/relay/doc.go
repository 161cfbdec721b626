// Copyright 2024-2026 Aiku AI

// Package relay mirrors messages from source conversations into destination
// conversations and keeps the copies in sync with edits, deletions and
// reactions.
//
// # Core Types
//
// [Engine] receives [Event] values from a platform listener, looks up the
// [RouteTable] and turns every event into one [Task] per destination. Tasks
// of one destination run in order on a dedicated worker; destinations do not
// block each other.
//
// [Platform] is the set of calls the engine makes. The mattermost and matrix
// packages implement it.
//
// # Attribution
//
// A copy starts with a header naming the sender, the source conversation and
// the time. Consecutive messages of the same sender in one destination skip
// the header until the sender or forward origin changes.
//
// # Reconciliation
//
// Edits are appended to the copy as timestamped entries. A deletion marks
// the copy as recalled and posts a warning in reply to it. Reaction changes
// set the relay account's reaction on the copy. Copies are found through the
// correlation store.
package relay
