// Package state holds the in-memory snapshot of room state seen so far:
// membership, room names, aliases, and the sync cursor. One writer (the
// sync engine, plus the facade's optimistic-update paths) and many
// readers, guarded by a single RWMutex. Nothing is ever evicted; the
// store is scoped to one user's room set and dies with the process.
package state

import (
	"sort"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/mxcli/mxcli/internal"
	"github.com/tidwall/gjson"
)

// Membership is the membership value from the most recent m.room.member
// event seen for a (room, user) pair.
type Membership string

const (
	MembershipInvite Membership = "invite"
	MembershipJoin   Membership = "join"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
)

type roomState struct {
	memberships    map[string]Membership
	displayNames   map[string]string
	name           string
	canonicalAlias string
	altAliases     []string
}

// Store is the in-memory state store. The zero value is not usable; use
// NewStore.
type Store struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
	since string
}

func NewStore() *Store {
	return &Store{rooms: make(map[string]*roomState)}
}

// room returns the state for roomID, creating it on first reference.
// Callers must hold mu.
func (s *Store) room(roomID string) *roomState {
	r, ok := s.rooms[roomID]
	if !ok {
		r = &roomState{
			memberships:  make(map[string]Membership),
			displayNames: make(map[string]string),
		}
		s.rooms[roomID] = r
	}
	return r
}

// ApplyStateEvent folds one state event into the store. Application is
// last-write-wins by arrival order: the homeserver's sync stream is the
// authoritative order, not origin_server_ts. Re-applying an identical
// sequence of events is idempotent. Events which are not state events, or
// whose type the store does not track, are ignored.
func (s *Store) ApplyStateEvent(ev gomatrixserverlib.ClientEvent) {
	if ev.StateKey == nil {
		return
	}
	internal.Assert("state event has a room ID", ev.RoomID != "")

	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.room(ev.RoomID)
	content := gjson.ParseBytes(ev.Content)

	switch ev.Type {
	case "m.room.member":
		membership := Membership(content.Get("membership").Str)
		if membership == "" {
			membership = MembershipLeave
		}
		r.memberships[*ev.StateKey] = membership
		if dn := content.Get("displayname").Str; dn != "" {
			r.displayNames[*ev.StateKey] = dn
		}
	case "m.room.name":
		r.name = content.Get("name").Str
	case "m.room.canonical_alias":
		r.canonicalAlias = content.Get("alias").Str
		r.altAliases = r.altAliases[:0]
		for _, alias := range content.Get("alt_aliases").Array() {
			r.altAliases = append(r.altAliases, alias.Str)
		}
	}
}

// SetMembership records an optimistic local update, e.g. marking ourselves
// joined immediately after a join request rather than waiting for the next
// poll. The value is overwritten, not merged, by the next authoritative
// state event for the same (room, user) pair.
func (s *Store) SetMembership(roomID, userID string, membership Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).memberships[userID] = membership
}

// Membership returns the stored membership, or "" if the pair has never
// been seen.
func (s *Store) Membership(roomID, userID string) Membership {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ""
	}
	return r.memberships[userID]
}

func (s *Store) RoomName(roomID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.name
	}
	return ""
}

func (s *Store) CanonicalAlias(roomID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.rooms[roomID]; ok {
		return r.canonicalAlias
	}
	return ""
}

func (s *Store) AltAliases(roomID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok || len(r.altAliases) == 0 {
		return nil
	}
	out := make([]string, len(r.altAliases))
	copy(out, r.altAliases)
	return out
}

// maxHeroNames caps how many member names a composed room name lists
// before falling back to "... and N others".
const maxHeroNames = 5

// DisplayName returns a human-readable name for the room: the room name,
// else the canonical alias, else a name composed from the other joined and
// invited members. Returns "" for rooms the store has never seen.
func (s *Store) DisplayName(roomID, selfUserID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return ""
	}
	if r.name != "" {
		return r.name
	}
	if r.canonicalAlias != "" {
		return r.canonicalAlias
	}

	var heroes []internal.Hero
	var joinCount, inviteCount int
	for userID, membership := range r.memberships {
		switch membership {
		case MembershipJoin:
			joinCount++
		case MembershipInvite:
			inviteCount++
		default:
			continue
		}
		if userID == selfUserID {
			continue
		}
		name := r.displayNames[userID]
		if name == "" {
			name = userID
		}
		heroes = append(heroes, internal.Hero{ID: userID, Name: name})
	}
	// map iteration order is random; sort the full candidate set before
	// truncating so the same members are named every time
	sort.Slice(heroes, func(i, j int) bool { return heroes[i].ID < heroes[j].ID })
	if len(heroes) > maxHeroNames {
		heroes = heroes[:maxHeroNames]
	}
	return internal.CalculateRoomName("", "", maxHeroNames, heroes, joinCount, inviteCount)
}

// SetSince advances the sync cursor. Only the sync engine calls this, and
// only after a fully successful poll.
func (s *Store) SetSince(since string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.since = since
}

// Since returns the current sync cursor, "" before the first successful
// poll.
func (s *Store) Since() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.since
}
