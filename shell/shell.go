// Package shell is the line-oriented interactive surface: it reads
// commands, calls into the client facade, and renders events the sync
// engine dispatches. It holds no protocol state beyond the currently
// selected room.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/tidwall/gjson"

	"github.com/mxcli/mxcli"
	"github.com/mxcli/mxcli/syncv2"
)

// Client is the facade surface the shell drives.
type Client interface {
	UserID() string
	OnEvent(eventType string, h syncv2.Handler)
	JoinRoom(ctx context.Context, identifier string) (string, error)
	SendMessage(ctx context.Context, roomID, text string) (string, error)
	ResolveAlias(ctx context.Context, alias string) (string, error)
	JoinedRooms(ctx context.Context) ([]string, error)
	ListRooms(ctx context.Context) ([]mxcli.RoomInfo, error)
	RoomDisplayName(roomID string) string
	Done() <-chan struct{}
	Err() error
}

// Shell runs the command loop over one Client.
type Shell struct {
	client Client
	in     io.Reader

	mu      sync.Mutex // guards out and current
	out     io.Writer
	current string
}

func New(client Client, in io.Reader, out io.Writer) *Shell {
	return &Shell{client: client, in: in, out: out}
}

// Run registers the render handlers and processes commands until /quit,
// EOF, or the sync engine terminates. Returns nil on a clean quit. The
// input is read on its own goroutine so a dead sync engine interrupts the
// shell even while it sits blocked on a read.
func (s *Shell) Run(ctx context.Context) error {
	s.client.OnEvent("m.room.message", s.renderMessage)
	s.client.OnEvent("m.room.member", s.renderMembership)

	s.println("Ready! Type /help for available commands.")
	s.println("Note: this client sends and receives unencrypted messages only.")

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(s.in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		scanErr <- sc.Err()
		close(lines)
	}()

	for {
		// engine termination wins over pending input
		select {
		case <-s.client.Done():
			return s.reportTermination()
		default:
		}
		s.printf("[%s] > ", s.promptLabel())
		var line string
		select {
		case <-s.client.Done():
			return s.reportTermination()
		case l, ok := <-lines:
			if !ok {
				// EOF counts as a clean quit
				s.println("")
				return <-scanErr
			}
			line = strings.TrimSpace(l)
		}
		switch {
		case line == "":
		case line == "/quit":
			return nil
		case line == "/help":
			s.printHelp()
		case line == "/rooms":
			s.listRooms(ctx)
		case strings.HasPrefix(line, "/join "):
			s.join(ctx, strings.TrimSpace(line[len("/join "):]))
		case strings.HasPrefix(line, "/switch "):
			s.switchRoom(ctx, strings.TrimSpace(line[len("/switch "):]))
		case strings.HasPrefix(line, "/"):
			s.printf("Unknown command: %s. Type /help for available commands.\n", line)
		default:
			s.send(ctx, line)
		}
	}
}

func (s *Shell) reportTermination() error {
	if err := s.client.Err(); err != nil {
		s.printf("\nsync terminated: %v\n", err)
		return err
	}
	s.println("\nsync stopped")
	return nil
}

func (s *Shell) join(ctx context.Context, identifier string) {
	roomID, err := s.client.JoinRoom(ctx, identifier)
	if err != nil {
		s.printf("Failed to join %s: %v\n", identifier, err)
		return
	}
	s.setCurrent(roomID)
	s.printf("Joined %s\n", s.describeRoom(roomID))
}

func (s *Shell) switchRoom(ctx context.Context, identifier string) {
	roomID := identifier
	if strings.HasPrefix(identifier, "#") {
		resolved, err := s.client.ResolveAlias(ctx, identifier)
		if err != nil {
			s.printf("Failed to resolve %s: %v\n", identifier, err)
			return
		}
		roomID = resolved
	}
	joined, err := s.client.JoinedRooms(ctx)
	if err != nil {
		s.printf("Failed to switch room: %v\n", err)
		return
	}
	for _, id := range joined {
		if id == roomID {
			s.setCurrent(roomID)
			s.printf("Switched to %s\n", s.describeRoom(roomID))
			return
		}
	}
	s.printf("Not in room %s. Use /join to join it first.\n", roomID)
}

func (s *Shell) send(ctx context.Context, text string) {
	_, err := s.client.SendMessage(ctx, s.currentRoom(), text)
	switch {
	case errors.Is(err, mxcli.ErrNoRoomSelected):
		s.println("No room selected. Use /join <room> first.")
	case err != nil:
		s.printf("Failed to send message: %v\n", err)
	}
}

func (s *Shell) listRooms(ctx context.Context) {
	rooms, err := s.client.ListRooms(ctx)
	if err != nil {
		s.printf("Failed to list rooms: %v\n", err)
		return
	}
	s.println("Joined rooms:")
	for _, room := range rooms {
		var parts []string
		if room.Name != "" {
			parts = append(parts, room.Name)
		}
		if room.CanonicalAlias != "" {
			parts = append(parts, room.CanonicalAlias)
		} else if len(room.AltAliases) > 0 {
			parts = append(parts, room.AltAliases[0])
		}
		if len(parts) > 0 {
			s.printf("  %s (%s)\n", room.ID, strings.Join(parts, " | "))
		} else {
			s.printf("  %s\n", room.ID)
		}
	}
}

// renderMessage prints an incoming room message. Own messages are skipped:
// the echo-suppression in the dispatcher catches messages sent from this
// process, this check catches ones from other sessions of the same user.
func (s *Shell) renderMessage(ev gomatrixserverlib.ClientEvent) {
	if ev.Sender == s.client.UserID() {
		return
	}
	content := gjson.ParseBytes(ev.Content)
	body := content.Get("body").Str
	room := s.describeRoom(ev.RoomID)
	switch content.Get("msgtype").Str {
	case "m.text":
		s.printf("\n[%s] %s: %s\n", room, ev.Sender, body)
	case "m.emote":
		s.printf("\n[%s] * %s %s\n", room, ev.Sender, body)
	default:
		s.printf("\n[%s] %s sent %s: %s\n", room, ev.Sender, content.Get("msgtype").Str, body)
	}
}

// renderMembership prints membership changes for the current room only.
func (s *Shell) renderMembership(ev gomatrixserverlib.ClientEvent) {
	if ev.StateKey == nil || ev.RoomID != s.currentRoom() {
		return
	}
	membership := gjson.GetBytes(ev.Content, "membership").Str
	s.printf("\n[%s] %s %s\n", ev.RoomID, *ev.StateKey, membership)
}

func (s *Shell) printHelp() {
	s.println("")
	s.println("Available commands:")
	s.println("  /help             - Show this help message")
	s.println("  /join <room>      - Join a room (e.g. #room:server.com or !roomid:server.com)")
	s.println("  /switch <room>    - Switch to a room you have already joined")
	s.println("  /rooms            - List all joined rooms")
	s.println("  /quit             - Exit the chat client")
	s.println("  <message>         - Send message to the current room")
	s.println("")
	s.println("Examples:")
	s.println("  /join #general:matrix.org")
	s.println("  /switch !abc123:matrix.org")
	s.println("  Hello, world!")
	s.println("")
}

func (s *Shell) promptLabel() string {
	roomID := s.currentRoom()
	if roomID == "" {
		return "no room"
	}
	return s.describeRoom(roomID)
}

// describeRoom renders "id (name)" when a friendly name is known.
func (s *Shell) describeRoom(roomID string) string {
	if name := s.client.RoomDisplayName(roomID); name != "" {
		return fmt.Sprintf("%s (%s)", roomID, name)
	}
	return roomID
}

func (s *Shell) currentRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Shell) setCurrent(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = roomID
}

func (s *Shell) println(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, line)
}

func (s *Shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}
