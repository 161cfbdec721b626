// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mattermost implements the relay platform on the Mattermost REST
// and WebSocket APIs. Channels are conversations and root posts are topics.
//
// # Core Types
//
// [Client] is the relay account's session. It keeps a WebSocket connection
// for posted, edited, deleted and reaction events and performs REST calls
// for sending, editing, reactions, file copies and history export.
//
// # Echo Prevention
//
// Posts and reactions made by the relay account itself are dropped before
// they reach the engine, so a conversation that is both a source and a
// destination never loops.
//
// # Files and Reactions
//
// Attachments are referenced by their comma-joined file ids and copied into
// the destination channel on send. Reactions are reported as the full set
// of emoji placed by other users, ordered by when they were first added.
package mattermost
