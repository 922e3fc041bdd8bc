// Package mxcli is a Matrix client for terminal use: an authenticated
// transport, an in-memory state store fed by a long-polling sync engine,
// and a facade of typed room operations on top of them.
package mxcli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mxcli/mxcli/state"
	"github.com/mxcli/mxcli/syncv2"
	"github.com/mxcli/mxcli/transport"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// DefaultJoinVerifyRetries is how often JoinRoom re-issues the join when
// /joined_rooms does not yet list the room. Some homeservers acknowledge
// a join before it is visible there.
const DefaultJoinVerifyRetries = 1

// DefaultRejoinAttempts is how often SendMessage re-joins a room the
// server does not list as joined before giving up with ErrNotJoined.
const DefaultRejoinAttempts = 1

// Config configures a Client.
type Config struct {
	Session Session

	// JoinVerifyRetries overrides DefaultJoinVerifyRetries. Zero means the
	// default; negative disables verification retries.
	JoinVerifyRetries int
	// RejoinAttempts overrides DefaultRejoinAttempts. Zero means the
	// default; negative disables the automatic rejoin.
	RejoinAttempts int

	// SyncTimeoutMS is the server-side long-poll timeout. Zero means
	// syncv2.DefaultTimeoutMS.
	SyncTimeoutMS int

	// CursorDB is an optional sqlite path for persisting the sync cursor
	// across restarts. Empty disables persistence; every start then does a
	// full initial sync.
	CursorDB string

	// HTTPTimeout bounds interactive requests. Zero means the transport
	// default.
	HTTPTimeout time.Duration

	// EnableTracing turns on OTLP instrumentation of the HTTP layer.
	EnableTracing bool
}

// api is the request surface the facade needs; satisfied by
// *transport.Transport.
type api interface {
	Do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error)
}

// Client is the facade over Transport, State Store and Sync Engine. One
// Client per Session; safe for concurrent use.
type Client struct {
	cfg        Config
	session    Session
	api        api
	transport  *transport.Transport
	store      *state.Store
	storage    *state.Storage
	txnIDs     *syncv2.TransactionIDCache
	dispatcher *syncv2.Dispatcher
	poller     *syncv2.Poller
	logger     zerolog.Logger
	txnSeq     atomic.Uint64
}

// New wires up a Client. Call Start to begin syncing and Stop to tear
// everything down.
func New(cfg Config) (*Client, error) {
	if err := cfg.Session.validate(); err != nil {
		return nil, err
	}
	t, err := transport.New(transport.Config{
		HomeserverURL: cfg.Session.HomeserverURL,
		AccessToken:   cfg.Session.AccessToken,
		Timeout:       cfg.HTTPTimeout,
		EnableTracing: cfg.EnableTracing,
	})
	if err != nil {
		return nil, err
	}

	var storage *state.Storage
	if cfg.CursorDB != "" {
		storage, err = state.NewStorage(cfg.CursorDB)
		if err != nil {
			return nil, err
		}
	}

	log := logger.With().Str("user", cfg.Session.UserID).Logger()
	store := state.NewStore()
	txnIDs := syncv2.NewTransactionIDCache()
	dispatcher := syncv2.NewDispatcher(log, txnIDs)
	var persister syncv2.CursorPersister
	if storage != nil {
		persister = storage.DevicesTable
	}
	poller := syncv2.NewPoller(
		cfg.Session.UserID, cfg.Session.DeviceID,
		&syncv2.HTTPClient{Transport: t},
		store, dispatcher, persister, log,
	)
	poller.TimeoutMS = cfg.SyncTimeoutMS

	return &Client{
		cfg:        cfg,
		session:    cfg.Session,
		api:        t,
		transport:  t,
		store:      store,
		storage:    storage,
		txnIDs:     txnIDs,
		dispatcher: dispatcher,
		poller:     poller,
		logger:     log,
	}, nil
}

// UserID returns the session's user ID.
func (c *Client) UserID() string { return c.session.UserID }

// OnEvent registers a handler for an event type. Register before Start so
// no post-snapshot event is missed.
func (c *Client) OnEvent(eventType string, h syncv2.Handler) {
	c.dispatcher.Register(eventType, h)
}

// Start begins syncing. If a cursor database is configured, the stored
// since token seeds the engine (best-effort); otherwise, and on any
// cursor-load failure, a full initial sync is performed.
func (c *Client) Start(ctx context.Context) error {
	since := ""
	if c.storage != nil {
		stored, err := c.storage.DevicesTable.EnsureDevice(ctx, c.session.UserID, c.session.DeviceID)
		if err != nil {
			c.logger.Warn().Err(err).Msg("failed to load stored sync cursor, doing a full initial sync")
		} else {
			since = stored
		}
	}
	return c.poller.Start(since)
}

// WaitUntilInitialSync blocks until the state store holds the initial
// snapshot.
func (c *Client) WaitUntilInitialSync() { c.poller.WaitUntilInitialSync() }

// Done is closed when the sync engine has terminated, cleanly or fatally.
func (c *Client) Done() <-chan struct{} { return c.poller.Done() }

// Err returns the fatal sync error, if any. A non-nil value means the
// engine stopped on its own (invalid token) and the process should wind
// down rather than continue with stale state.
func (c *Client) Err() error { return c.poller.Err() }

// Stop cancels the in-flight poll, waits for the sync goroutine to exit,
// then releases the cursor database and the connection pool. Returning
// with any of those still live is a defect, so the order is fixed.
func (c *Client) Stop() {
	c.poller.Stop()
	c.txnIDs.Stop()
	if c.storage != nil {
		if err := c.storage.Teardown(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to close cursor db")
		}
	}
	c.transport.Close()
}

// ResolveAlias resolves a room alias to a room ID via the directory
// endpoint. Never cached: aliases can be repointed at any time.
func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	body, err := c.api.Do(ctx, http.MethodGet, "/_matrix/client/r0/directory/room/"+url.PathEscape(alias), nil, nil)
	if err != nil {
		if transport.IsNotFound(err) {
			return "", fmt.Errorf("resolve alias %s: %w", alias, ErrAliasNotFound)
		}
		return "", fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	roomID := gjson.GetBytes(body, "room_id").Str
	if roomID == "" {
		return "", fmt.Errorf("resolve alias %s: directory response missing room_id", alias)
	}
	return roomID, nil
}

// JoinRoom joins a room by ID or alias. Aliases are resolved first; a
// failed resolution returns ErrAliasNotFound without attempting the join.
// On success the local membership is optimistically set to join, then
// verified against /joined_rooms with up to JoinVerifyRetries re-joins.
func (c *Client) JoinRoom(ctx context.Context, identifier string) (string, error) {
	roomID := identifier
	if strings.HasPrefix(identifier, "#") {
		resolved, err := c.ResolveAlias(ctx, identifier)
		if err != nil {
			return "", err
		}
		c.logger.Info().Str("alias", identifier).Str("room_id", resolved).Msg("resolved alias")
		roomID = resolved
	}

	if err := c.join(ctx, roomID); err != nil {
		return "", err
	}

	retries := c.cfg.JoinVerifyRetries
	if retries == 0 {
		retries = DefaultJoinVerifyRetries
	} else if retries < 0 {
		retries = 0
	}
	for attempt := 0; ; attempt++ {
		joined, err := c.JoinedRooms(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Str("room_id", roomID).Msg("could not verify join")
			break
		}
		if contains(joined, roomID) {
			break
		}
		if attempt >= retries {
			c.logger.Warn().Str("room_id", roomID).Msg("room still not listed as joined after rejoin")
			break
		}
		c.logger.Warn().Str("room_id", roomID).Msg("room not listed as joined, attempting rejoin")
		if err := c.join(ctx, roomID); err != nil {
			return "", err
		}
	}
	return roomID, nil
}

// join issues the join request and applies the optimistic local update so
// commands issued before the next poll already see the room as joined.
func (c *Client) join(ctx context.Context, roomID string) error {
	if _, err := c.api.Do(ctx, http.MethodPost, "/_matrix/client/r0/join/"+url.PathEscape(roomID), nil, struct{}{}); err != nil {
		return fmt.Errorf("join room %s: %w", roomID, err)
	}
	c.store.SetMembership(roomID, c.session.UserID, state.MembershipJoin)
	return nil
}

// SendMessage sends an m.text message and returns the event ID. An empty
// roomID returns ErrNoRoomSelected without contacting the homeserver. If
// the server does not list the room as joined, up to RejoinAttempts
// automatic rejoins happen before ErrNotJoined is returned.
func (c *Client) SendMessage(ctx context.Context, roomID, text string) (string, error) {
	if roomID == "" {
		return "", ErrNoRoomSelected
	}

	joined, err := c.JoinedRooms(ctx)
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", roomID, err)
	}
	if !contains(joined, roomID) {
		attempts := c.cfg.RejoinAttempts
		if attempts == 0 {
			attempts = DefaultRejoinAttempts
		} else if attempts < 0 {
			attempts = 0
		}
		for attempt := 0; attempt < attempts && !contains(joined, roomID); attempt++ {
			c.logger.Warn().Str("room_id", roomID).Msg("room not listed as joined, rejoining before send")
			if err := c.join(ctx, roomID); err != nil {
				return "", err
			}
			if joined, err = c.JoinedRooms(ctx); err != nil {
				return "", fmt.Errorf("send message to %s: %w", roomID, err)
			}
		}
		if !contains(joined, roomID) {
			return "", fmt.Errorf("send message to %s: %w", roomID, ErrNotJoined)
		}
	}

	content, err := sjson.SetBytes([]byte(`{"msgtype":"m.text"}`), "body", text)
	if err != nil {
		return "", fmt.Errorf("send message to %s: encode content: %w", roomID, err)
	}
	txnID := c.newTxnID()
	// Record before the request: the echo can arrive on the sync stream
	// before the send response does.
	c.txnIDs.Store(txnID)
	path := "/_matrix/client/r0/rooms/" + url.PathEscape(roomID) + "/send/m.room.message/" + url.PathEscape(txnID)
	body, err := c.api.Do(ctx, http.MethodPut, path, nil, json.RawMessage(content))
	if err != nil {
		return "", fmt.Errorf("send message to %s: %w", roomID, err)
	}
	return gjson.GetBytes(body, "event_id").Str, nil
}

// JoinedRooms returns the room IDs the server lists this user as joined
// to.
func (c *Client) JoinedRooms(ctx context.Context) ([]string, error) {
	body, err := c.api.Do(ctx, http.MethodGet, "/_matrix/client/r0/joined_rooms", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("list joined rooms: %w", err)
	}
	var roomIDs []string
	for _, r := range gjson.GetBytes(body, "joined_rooms").Array() {
		roomIDs = append(roomIDs, r.Str)
	}
	return roomIDs, nil
}

// WhoAmI validates the access token and returns the server's view of the
// user ID.
func (c *Client) WhoAmI(ctx context.Context) (string, error) {
	body, err := c.api.Do(ctx, http.MethodGet, "/_matrix/client/r0/account/whoami", nil, nil)
	if err != nil {
		return "", fmt.Errorf("whoami: %w", err)
	}
	return gjson.GetBytes(body, "user_id").Str, nil
}

// RoomInfo describes one joined room for display. Name and aliases are
// empty when neither the store nor the server knows them; such rooms are
// shown by ID alone.
type RoomInfo struct {
	ID             string
	Name           string
	CanonicalAlias string
	AltAliases     []string
}

// ListRooms lists joined rooms, reading names and aliases through the
// state store and falling back to the room-state endpoints for rooms the
// sync engine has not populated yet.
func (c *Client) ListRooms(ctx context.Context) ([]RoomInfo, error) {
	roomIDs, err := c.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]RoomInfo, 0, len(roomIDs))
	for _, roomID := range roomIDs {
		info := RoomInfo{
			ID:             roomID,
			Name:           c.store.RoomName(roomID),
			CanonicalAlias: c.store.CanonicalAlias(roomID),
			AltAliases:     c.store.AltAliases(roomID),
		}
		if info.Name == "" {
			info.Name = c.fetchStateField(ctx, roomID, "m.room.name", "name")
		}
		if info.CanonicalAlias == "" {
			body, err := c.api.Do(ctx, http.MethodGet, "/_matrix/client/r0/rooms/"+url.PathEscape(roomID)+"/state/m.room.canonical_alias", nil, nil)
			if err == nil {
				info.CanonicalAlias = gjson.GetBytes(body, "alias").Str
				for _, a := range gjson.GetBytes(body, "alt_aliases").Array() {
					info.AltAliases = append(info.AltAliases, a.Str)
				}
			} else if !transport.IsNotFound(err) {
				c.logger.Debug().Err(err).Str("room_id", roomID).Msg("failed to fetch canonical alias")
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// RoomDisplayName returns a friendly name for the room from local state,
// or "" when nothing better than the ID is known.
func (c *Client) RoomDisplayName(roomID string) string {
	return c.store.DisplayName(roomID, c.session.UserID)
}

// fetchStateField reads one field of one state event, tolerating rooms
// that don't have the event.
func (c *Client) fetchStateField(ctx context.Context, roomID, eventType, field string) string {
	body, err := c.api.Do(ctx, http.MethodGet, "/_matrix/client/r0/rooms/"+url.PathEscape(roomID)+"/state/"+eventType, nil, nil)
	if err != nil {
		if !transport.IsNotFound(err) {
			c.logger.Debug().Err(err).Str("room_id", roomID).Str("event_type", eventType).Msg("failed to fetch state")
		}
		return ""
	}
	return gjson.GetBytes(body, field).Str
}

func (c *Client) newTxnID() string {
	return fmt.Sprintf("mxcli.%d.%d", time.Now().UnixNano(), c.txnSeq.Add(1))
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
