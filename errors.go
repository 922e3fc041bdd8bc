package mxcli

import "errors"

var (
	// ErrNoRoomSelected: a send was attempted with no target room. The
	// homeserver is never contacted in this case.
	ErrNoRoomSelected = errors.New("no room selected")

	// ErrAliasNotFound: the directory lookup for a room alias failed. The
	// join endpoint is never called for an alias that did not resolve.
	ErrAliasNotFound = errors.New("room alias not found")

	// ErrNotJoined: the server does not list the room as joined, even
	// after the automatic rejoin attempts.
	ErrNotJoined = errors.New("not joined to room")
)
