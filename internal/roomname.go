package internal

import (
	"fmt"
	"strings"
)

// Hero is a room member used to compose a display name for rooms that
// carry no m.room.name or m.room.canonical_alias state.
type Hero struct {
	ID   string
	Name string
}

// CalculateRoomName implements the room display-name algorithm from the
// client-server spec: explicit name, then canonical alias, then a name
// composed from the other members.
func CalculateRoomName(roomName, canonicalAlias string, maxNames int, heroes []Hero, joinCount, inviteCount int) string {
	if roomName != "" {
		return roomName
	}
	if canonicalAlias != "" {
		return canonicalAlias
	}

	names := disambiguate(heroes)
	otherUsers := joinCount + inviteCount - 1
	isAlone := otherUsers <= 0

	if len(heroes) == 0 && isAlone {
		return "Empty Room"
	}

	// Enough heroes to name everyone else: concatenate them.
	if len(heroes) >= otherUsers {
		if len(names) == 1 {
			return names[0]
		}
		name := strings.Join(names[:len(names)-1], ", ") + " and " + names[len(names)-1]
		if isAlone {
			return fmt.Sprintf("Empty Room (was %s)", name)
		}
		return name
	}

	// More members than heroes: name a few and count the rest.
	n := len(names)
	if n > maxNames {
		n = maxNames
	}
	name := fmt.Sprintf("%s and %d others", strings.Join(names[:n], ", "), otherUsers-n)
	if joinCount+inviteCount > 1 {
		return name
	}
	return fmt.Sprintf("Empty Room (was %s)", name)
}

// disambiguate appends the user ID to display names shared by more than
// one hero.
func disambiguate(heroes []Hero) []string {
	byName := make(map[string][]int)
	for i, h := range heroes {
		byName[h.Name] = append(byName[h.Name], i)
	}
	names := make([]string, len(heroes))
	for _, indexes := range byName {
		if len(indexes) == 1 {
			names[indexes[0]] = heroes[indexes[0]].Name
			continue
		}
		for _, i := range indexes {
			names[i] = fmt.Sprintf("%s (%s)", heroes[i].Name, heroes[i].ID)
		}
	}
	return names
}
