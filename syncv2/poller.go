package syncv2

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/matrix-org/gomatrixserverlib"
	"github.com/mxcli/mxcli/internal"
	"github.com/mxcli/mxcli/transport"
	"github.com/rs/zerolog"
)

// PollerState is the sync engine's lifecycle state.
type PollerState int

const (
	// StateInitial: created, not yet started. The first poll carries no
	// since token and returns a full snapshot.
	StateInitial PollerState = iota
	// StateSyncing: the poll loop is running, including during backoff.
	StateSyncing
	// StateStopped: terminal. Entered on Stop() or a fatal error; a fresh
	// poller (and a fresh initial sync) is needed to sync again.
	StateStopped
)

// StateReceiver is the state-store surface the poller writes to.
type StateReceiver interface {
	ApplyStateEvent(ev gomatrixserverlib.ClientEvent)
	SetSince(since string)
}

// CursorPersister durably stores the cursor after each successful poll.
// Persistence is best-effort: failures are logged, never fatal.
type CursorPersister interface {
	UpdateDeviceSince(userID, deviceID, since string) error
}

// maxBackoff caps the exponential retry delay on transient sync failures.
const maxBackoff = 64 * time.Second

var errAlreadyStarted = errors.New("syncv2: poller already started; create a new poller to sync again")

// timeAfter is swapped out in tests to avoid real backoff sleeps.
var timeAfter = time.After

// Poller drives the sync loop: issue a long-poll, apply state deltas,
// dispatch timeline events, advance the cursor, repeat. The cursor only
// advances after a fully successful poll; a failed poll is retried with
// the same cursor, so consumers see at-least-once delivery and must
// tolerate duplicates.
type Poller struct {
	userID    string
	deviceID  string
	client    Client
	receiver  StateReceiver
	dispatcher *Dispatcher
	persister CursorPersister // may be nil
	logger    zerolog.Logger

	// TimeoutMS is the server-side long-poll timeout. Defaults to
	// DefaultTimeoutMS when zero. Set before Start.
	TimeoutMS int

	mu     sync.Mutex
	state  PollerState
	fatal  error
	cancel context.CancelFunc
	done   chan struct{}

	initialOnce sync.Once
	initialDone chan struct{}
}

func NewPoller(userID, deviceID string, client Client, receiver StateReceiver, dispatcher *Dispatcher, persister CursorPersister, logger zerolog.Logger) *Poller {
	return &Poller{
		userID:      userID,
		deviceID:    deviceID,
		client:      client,
		receiver:    receiver,
		dispatcher:  dispatcher,
		persister:   persister,
		logger:      logger.With().Str("device", deviceID).Logger(),
		initialDone: make(chan struct{}),
	}
}

// Start launches the poll loop in a goroutine. since seeds the cursor;
// pass "" for a full initial sync. Starting twice is an error; a stopped
// poller stays stopped.
func (p *Poller) Start(since string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateInitial {
		return errAlreadyStarted
	}
	p.state = StateSyncing
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.poll(ctx, since)
	return nil
}

// Stop cancels the in-flight poll and blocks until the poll goroutine has
// exited. Safe to call concurrently with an in-flight poll, and more than
// once.
func (p *Poller) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	if cancel == nil {
		p.state = StateStopped
	}
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// State returns the current lifecycle state.
func (p *Poller) State() PollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Err returns the fatal error that terminated the loop, or nil.
func (p *Poller) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fatal
}

// Done is closed when the poll loop has exited, for any reason. Returns
// nil if the poller was never started.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// WaitUntilInitialSync blocks until the first poll has succeeded and the
// state store holds the initial snapshot. Also returns if the loop
// terminates first (e.g. an invalid token on the initial poll); callers
// should check Err afterwards.
func (p *Poller) WaitUntilInitialSync() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		<-p.initialDone
		return
	}
	select {
	case <-p.initialDone:
	case <-done:
	}
}

func (p *Poller) poll(ctx context.Context, since string) {
	defer close(p.done)
	defer func() {
		p.mu.Lock()
		p.state = StateStopped
		p.mu.Unlock()
	}()

	p.logger.Info().Str("since", since).Msg("sync poll loop started")
	failCount := 0
	firstTime := true
	var retryAfter time.Duration
	for {
		if ctx.Err() != nil {
			p.logger.Info().Msg("sync poll loop stopped")
			return
		}
		if failCount > 0 {
			waitTime := time.Duration(math.Pow(2, float64(failCount))) * time.Second
			if waitTime > maxBackoff {
				waitTime = maxBackoff
			}
			if retryAfter > waitTime {
				waitTime = retryAfter
			}
			p.logger.Warn().Str("duration", waitTime.String()).Msg("waiting before next poll")
			select {
			case <-ctx.Done():
				return
			case <-timeAfter(waitTime):
			}
		}

		timeoutMS := p.TimeoutMS
		if timeoutMS == 0 {
			timeoutMS = DefaultTimeoutMS
		}
		if firstTime {
			// timeout=0 so the snapshot comes back immediately
			timeoutMS = 0
		}
		resp, err := p.client.DoSyncV2(ctx, since, timeoutMS)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Info().Msg("sync poll loop stopped")
				return
			}
			if transport.IsUnauthorized(err) {
				pollsTotal.WithLabelValues("fatal").Inc()
				sentry.CaptureException(err)
				p.logger.Error().Err(err).Msg("access token has been invalidated, terminating sync loop")
				p.mu.Lock()
				p.fatal = err
				p.mu.Unlock()
				return
			}
			pollsTotal.WithLabelValues("error").Inc()
			failCount++
			retryAfter = transport.RetryAfter(err)
			p.logger.Warn().Err(err).Int("fail_count", failCount).Msg("sync poll returned temporary error")
			continue
		}
		failCount = 0
		retryAfter = 0
		pollsTotal.WithLabelValues("ok").Inc()

		// State first, then timeline dispatch, then the cursor. The cursor
		// must not move past a response that was not fully applied.
		p.accumulate(resp, firstTime)
		internal.Assert("sync response has a next_batch token", resp.NextBatch != "")
		since = resp.NextBatch
		p.receiver.SetSince(since)
		if p.persister != nil {
			if err := p.persister.UpdateDeviceSince(p.userID, p.deviceID, since); err != nil {
				// non-fatal
				p.logger.Warn().Err(err).Str("since", since).Msg("failed to persist since token")
			}
		}

		if firstTime {
			firstTime = false
			p.initialOnce.Do(func() { close(p.initialDone) })
		}
	}
}

// accumulate applies one sync response. Per room: state events first, then
// timeline events in arrival order. Timeline events that are themselves
// state events (incremental membership and name changes arrive in the
// timeline) are applied to the store before dispatch. The initial
// snapshot's timeline is applied but not dispatched, so handlers only see
// events from after startup.
func (p *Poller) accumulate(res *SyncResponse, initial bool) {
	for roomID, room := range res.Rooms.Join {
		for _, ev := range room.State.Events {
			ev.RoomID = roomID
			p.receiver.ApplyStateEvent(ev)
		}
		for _, ev := range room.Timeline.Events {
			ev.RoomID = roomID
			if ev.StateKey != nil {
				p.receiver.ApplyStateEvent(ev)
			}
			if !initial {
				p.dispatcher.Dispatch(ev)
			}
		}
	}
	for roomID, room := range res.Rooms.Invite {
		for _, ev := range room.InviteState.Events {
			ev.RoomID = roomID
			p.receiver.ApplyStateEvent(ev)
		}
	}
	// Rooms we left: record the membership change, nothing to dispatch.
	for roomID, room := range res.Rooms.Leave {
		for _, ev := range room.State.Events {
			ev.RoomID = roomID
			p.receiver.ApplyStateEvent(ev)
		}
		for _, ev := range room.Timeline.Events {
			if ev.StateKey == nil {
				continue
			}
			ev.RoomID = roomID
			p.receiver.ApplyStateEvent(ev)
		}
	}
	if len(res.Rooms.Join) > 0 {
		p.logger.Debug().Int("num_rooms", len(res.Rooms.Join)).Msg("accumulated sync data")
	}
}
