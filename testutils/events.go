// Package testutils builds events for tests.
package testutils

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/matrix-org/gomatrixserverlib"
)

var eventSeq atomic.Int64

func nextEventID() string {
	return fmt.Sprintf("$event-%d", eventSeq.Add(1))
}

// NewStateEvent builds a state event with a generated event ID.
func NewStateEvent(evType, stateKey, sender string, content map[string]any) gomatrixserverlib.ClientEvent {
	raw, err := json.Marshal(content)
	if err != nil {
		panic("testutils: marshal event content: " + err.Error())
	}
	sk := stateKey
	return gomatrixserverlib.ClientEvent{
		EventID:  nextEventID(),
		Type:     evType,
		StateKey: &sk,
		Sender:   sender,
		Content:  raw,
	}
}

// NewMembershipEvent builds an m.room.member event for userID.
func NewMembershipEvent(userID, membership string) gomatrixserverlib.ClientEvent {
	return NewStateEvent("m.room.member", userID, userID, map[string]any{
		"membership": membership,
	})
}

// NewMessageEvent builds an m.text timeline event.
func NewMessageEvent(sender, body string) gomatrixserverlib.ClientEvent {
	raw, err := json.Marshal(map[string]any{
		"msgtype": "m.text",
		"body":    body,
	})
	if err != nil {
		panic("testutils: marshal event content: " + err.Error())
	}
	return gomatrixserverlib.ClientEvent{
		EventID: nextEventID(),
		Type:    "m.room.message",
		Sender:  sender,
		Content: raw,
	}
}
