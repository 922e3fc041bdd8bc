package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/mxcli/mxcli"
	"github.com/mxcli/mxcli/syncv2"
	"github.com/mxcli/mxcli/testutils"
)

// fakeClient scripts the facade for shell tests.
type fakeClient struct {
	handlers map[string][]syncv2.Handler

	joined    []string
	rooms     []mxcli.RoomInfo
	names     map[string]string
	done      chan struct{} // nil: engine never terminates
	syncErr   error
	joinErr   error
	sendErr   error
	aliasMap  map[string]string
	joinCalls []string
	sendCalls []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handlers: make(map[string][]syncv2.Handler),
		names:    make(map[string]string),
		aliasMap: make(map[string]string),
	}
}

func (f *fakeClient) UserID() string { return "@alice:localhost" }

func (f *fakeClient) OnEvent(eventType string, h syncv2.Handler) {
	f.handlers[eventType] = append(f.handlers[eventType], h)
}

func (f *fakeClient) JoinRoom(ctx context.Context, identifier string) (string, error) {
	f.joinCalls = append(f.joinCalls, identifier)
	if f.joinErr != nil {
		return "", f.joinErr
	}
	roomID := identifier
	if strings.HasPrefix(identifier, "#") {
		resolved, ok := f.aliasMap[identifier]
		if !ok {
			return "", mxcli.ErrAliasNotFound
		}
		roomID = resolved
	}
	f.joined = append(f.joined, roomID)
	return roomID, nil
}

func (f *fakeClient) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	if roomID == "" {
		return "", mxcli.ErrNoRoomSelected
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sendCalls = append(f.sendCalls, roomID+": "+text)
	return "$sent:localhost", nil
}

func (f *fakeClient) ResolveAlias(ctx context.Context, alias string) (string, error) {
	if roomID, ok := f.aliasMap[alias]; ok {
		return roomID, nil
	}
	return "", mxcli.ErrAliasNotFound
}

func (f *fakeClient) JoinedRooms(ctx context.Context) ([]string, error) {
	return f.joined, nil
}

func (f *fakeClient) ListRooms(ctx context.Context) ([]mxcli.RoomInfo, error) {
	return f.rooms, nil
}

func (f *fakeClient) RoomDisplayName(roomID string) string { return f.names[roomID] }

func (f *fakeClient) Done() <-chan struct{} { return f.done }

func (f *fakeClient) Err() error { return f.syncErr }

func runShell(t *testing.T, client Client, input string) string {
	t.Helper()
	var out bytes.Buffer
	sh := New(client, strings.NewReader(input), &out)
	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %s", err)
	}
	return out.String()
}

func TestShellJoinThenSend(t *testing.T) {
	client := newFakeClient()
	out := runShell(t, client, "/join !abc:localhost\nhello there\n/quit\n")

	if len(client.joinCalls) != 1 || client.joinCalls[0] != "!abc:localhost" {
		t.Errorf("join calls %v", client.joinCalls)
	}
	if len(client.sendCalls) != 1 || client.sendCalls[0] != "!abc:localhost: hello there" {
		t.Errorf("send calls %v, want the message to go to the joined room", client.sendCalls)
	}
	if !strings.Contains(out, "Joined !abc:localhost") {
		t.Errorf("output missing join confirmation:\n%s", out)
	}
	if !strings.Contains(out, "[!abc:localhost] > ") {
		t.Errorf("prompt does not show the current room:\n%s", out)
	}
}

func TestShellSendWithoutRoom(t *testing.T) {
	client := newFakeClient()
	out := runShell(t, client, "hello\n/quit\n")

	if len(client.sendCalls) != 0 {
		t.Errorf("message sent with no room selected: %v", client.sendCalls)
	}
	if !strings.Contains(out, "No room selected") {
		t.Errorf("output missing no-room hint:\n%s", out)
	}
	if !strings.Contains(out, "[no room] > ") {
		t.Errorf("prompt missing the no-room label:\n%s", out)
	}
}

func TestShellSwitchRequiresMembership(t *testing.T) {
	client := newFakeClient()
	client.joined = []string{"!abc:localhost"}
	out := runShell(t, client, "/switch !abc:localhost\n/switch !other:localhost\n/quit\n")

	if !strings.Contains(out, "Switched to !abc:localhost") {
		t.Errorf("switch to a joined room failed:\n%s", out)
	}
	if !strings.Contains(out, "Not in room !other:localhost") {
		t.Errorf("switch to an unjoined room not rejected:\n%s", out)
	}
}

func TestShellSwitchResolvesAlias(t *testing.T) {
	client := newFakeClient()
	client.joined = []string{"!abc:localhost"}
	client.aliasMap["#ops:localhost"] = "!abc:localhost"
	out := runShell(t, client, "/switch #ops:localhost\nping\n/quit\n")

	if !strings.Contains(out, "Switched to !abc:localhost") {
		t.Errorf("alias switch failed:\n%s", out)
	}
	if len(client.sendCalls) != 1 || client.sendCalls[0] != "!abc:localhost: ping" {
		t.Errorf("send calls %v", client.sendCalls)
	}
}

func TestShellRoomsListing(t *testing.T) {
	client := newFakeClient()
	client.rooms = []mxcli.RoomInfo{
		{ID: "!abc:localhost", Name: "Ops", CanonicalAlias: "#ops:localhost"},
		{ID: "!bare:localhost"},
	}
	out := runShell(t, client, "/rooms\n/quit\n")

	if !strings.Contains(out, "!abc:localhost (Ops | #ops:localhost)") {
		t.Errorf("named room not rendered with name and alias:\n%s", out)
	}
	if !strings.Contains(out, "!bare:localhost\n") {
		t.Errorf("bare room not listed by ID:\n%s", out)
	}
}

func TestShellUnknownCommand(t *testing.T) {
	client := newFakeClient()
	out := runShell(t, client, "/frobnicate\n/quit\n")
	if !strings.Contains(out, "Unknown command: /frobnicate") {
		t.Errorf("unknown command not reported:\n%s", out)
	}
	if len(client.sendCalls) != 0 {
		t.Errorf("unknown command sent as a message: %v", client.sendCalls)
	}
}

func TestShellEOFQuitsCleanly(t *testing.T) {
	client := newFakeClient()
	runShell(t, client, "") // immediate EOF must not error
}

func TestShellFatalSyncError(t *testing.T) {
	client := newFakeClient()
	client.syncErr = fmt.Errorf("access token invalidated")
	client.done = make(chan struct{})
	close(client.done)
	var out bytes.Buffer
	sh := New(client, strings.NewReader("hello\n"), &out)
	if err := sh.Run(context.Background()); err == nil {
		t.Fatalf("Run returned nil despite a fatal sync error")
	}
	if !strings.Contains(out.String(), "sync terminated") {
		t.Errorf("fatal sync error not surfaced:\n%s", out.String())
	}
	if len(client.sendCalls) != 0 {
		t.Errorf("command processed after the sync engine died: %v", client.sendCalls)
	}
}

// Engine termination must interrupt the shell even while it is blocked
// waiting for input.
func TestShellUnblocksOnEngineTermination(t *testing.T) {
	client := newFakeClient()
	client.syncErr = fmt.Errorf("access token invalidated")
	client.done = make(chan struct{})

	blocked, _ := io.Pipe() // a reader that never yields a line
	var out bytes.Buffer
	sh := New(client, blocked, &out)

	result := make(chan error, 1)
	go func() { result <- sh.Run(context.Background()) }()
	close(client.done)
	select {
	case err := <-result:
		if err == nil {
			t.Fatalf("Run returned nil despite a fatal sync error")
		}
	case <-time.After(time.Second):
		t.Fatalf("Run still blocked on input after the sync engine terminated")
	}
	if !strings.Contains(out.String(), "sync terminated") {
		t.Errorf("fatal sync error not surfaced:\n%s", out.String())
	}
}

func TestShellRendersIncomingMessages(t *testing.T) {
	client := newFakeClient()
	client.names["!abc:localhost"] = "Ops"
	var out bytes.Buffer
	sh := New(client, strings.NewReader("/quit\n"), &out)
	if err := sh.Run(context.Background()); err != nil {
		t.Fatalf("Run: %s", err)
	}

	msg := testutils.NewMessageEvent("@bob:localhost", "hi alice")
	msg.RoomID = "!abc:localhost"
	for _, h := range client.handlers["m.room.message"] {
		h(msg)
	}
	own := testutils.NewMessageEvent("@alice:localhost", "talking to myself")
	for _, h := range client.handlers["m.room.message"] {
		h(own)
	}

	got := out.String()
	if !strings.Contains(got, "[!abc:localhost (Ops)] @bob:localhost: hi alice") {
		t.Errorf("incoming message not rendered:\n%s", got)
	}
	if strings.Contains(got, "talking to myself") {
		t.Errorf("own message rendered despite sender filter:\n%s", got)
	}
}
