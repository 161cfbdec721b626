// Copyright 2024-2026 Aiku AI

package relay

import "sync"

type attributionState struct {
	lastSenderID   string
	lastForwardSig string
}

// attributionTracker remembers the last attributed sender per destination
// so consecutive messages of the same sender skip the header.
type attributionTracker struct {
	lock   sync.Mutex
	states map[destinationKey]attributionState
}

func newAttributionTracker() *attributionTracker {
	return &attributionTracker{states: make(map[destinationKey]attributionState)}
}

// observe records the sender of the next message in key and reports whether
// a header must be emitted. A destination with no state always gets one.
func (a *attributionTracker) observe(key destinationKey, senderID, forwardSig string) bool {
	a.lock.Lock()
	defer a.lock.Unlock()
	prev, ok := a.states[key]
	a.states[key] = attributionState{lastSenderID: senderID, lastForwardSig: forwardSig}
	return !ok || prev.lastSenderID != senderID || prev.lastForwardSig != forwardSig
}

// forwardSignature identifies the original author of a forwarded message.
// It is empty for messages that are not forwarded.
func forwardSignature(fwd *ForwardInfo) string {
	switch {
	case fwd == nil:
		return ""
	case fwd.FromID != "":
		return "id:" + fwd.FromID
	case fwd.FromName != "":
		return "name:" + fwd.FromName
	default:
		return "forwarded"
	}
}
