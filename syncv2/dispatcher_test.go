package syncv2

import (
	"os"
	"testing"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/rs/zerolog"

	"github.com/mxcli/mxcli/testutils"
)

func TestDispatcherRegistrationOrder(t *testing.T) {
	d := NewDispatcher(zerolog.New(os.Stderr), nil)
	var calls []string
	d.Register("m.room.message", func(ev gomatrixserverlib.ClientEvent) {
		calls = append(calls, "first")
	})
	d.Register("m.room.message", func(ev gomatrixserverlib.ClientEvent) {
		calls = append(calls, "second")
	})
	d.Register("m.room.member", func(ev gomatrixserverlib.ClientEvent) {
		calls = append(calls, "member")
	})

	d.Dispatch(testutils.NewMessageEvent("@bob:localhost", "hello"))
	if len(calls) != 2 || calls[0] != "first" || calls[1] != "second" {
		t.Errorf("handlers invoked as %v, want [first second]", calls)
	}
}

func TestDispatcherIgnoresUnregisteredType(t *testing.T) {
	d := NewDispatcher(zerolog.New(os.Stderr), nil)
	called := false
	d.Register("m.room.member", func(ev gomatrixserverlib.ClientEvent) {
		called = true
	})
	d.Dispatch(testutils.NewMessageEvent("@bob:localhost", "hello"))
	if called {
		t.Errorf("m.room.member handler invoked for an m.room.message event")
	}
}

func TestDispatcherPanicIsolation(t *testing.T) {
	d := NewDispatcher(zerolog.New(os.Stderr), nil)
	var calls []string
	d.Register("m.room.message", func(ev gomatrixserverlib.ClientEvent) {
		panic("handler bug")
	})
	d.Register("m.room.message", func(ev gomatrixserverlib.ClientEvent) {
		calls = append(calls, "survivor")
	})

	d.Dispatch(testutils.NewMessageEvent("@bob:localhost", "hello"))
	if len(calls) != 1 || calls[0] != "survivor" {
		t.Errorf("handler after the panicking one not invoked: %v", calls)
	}
	// the dispatcher itself keeps working
	d.Dispatch(testutils.NewMessageEvent("@bob:localhost", "again"))
	if len(calls) != 2 {
		t.Errorf("dispatcher stopped delivering after a handler panic")
	}
}

func TestDispatcherSuppressesLocalEcho(t *testing.T) {
	cache := NewTransactionIDCache()
	defer cache.Stop()
	cache.Store("mxcli.123.1")

	d := NewDispatcher(zerolog.New(os.Stderr), cache)
	var got []string
	d.Register("m.room.message", func(ev gomatrixserverlib.ClientEvent) {
		got = append(got, ev.EventID)
	})

	echo := testutils.NewMessageEvent("@alice:localhost", "sent by us")
	echo.Unsigned = []byte(`{"transaction_id":"mxcli.123.1"}`)
	d.Dispatch(echo)

	foreign := testutils.NewMessageEvent("@alice:localhost", "sent elsewhere")
	foreign.Unsigned = []byte(`{"transaction_id":"some-other-client-txn"}`)
	d.Dispatch(foreign)

	plain := testutils.NewMessageEvent("@bob:localhost", "hi")
	d.Dispatch(plain)

	want := []string{foreign.EventID, plain.EventID}
	if len(got) != len(want) {
		t.Fatalf("dispatched %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("dispatched[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}
