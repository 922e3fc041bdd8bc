// Package syncv2 is the long-polling sync engine: a client for the
// /sync endpoint, a poller that advances the cursor and feeds the state
// store, and a dispatcher that fans decoded timeline events out to
// registered handlers.
package syncv2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/matrix-org/gomatrixserverlib"
	"github.com/mxcli/mxcli/transport"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultTimeoutMS is the server-side long-poll hold in milliseconds. The
// server returns as soon as new events arrive; 30 seconds matches the
// client-server spec recommendation.
const DefaultTimeoutMS = 30000

// initialTimelineLimit caps per-room timeline events on the initial
// snapshot so startup stays fast in busy rooms.
const initialTimelineLimit = 10

// Client is the part of the homeserver API the poller needs.
type Client interface {
	// WhoAmI asks the homeserver to look up the access token via /whoami.
	WhoAmI(ctx context.Context) (userID, deviceID string, err error)
	// DoSyncV2 performs one sync request. timeoutMS is the server-side
	// long-poll timeout; since may be empty for an initial sync.
	DoSyncV2(ctx context.Context, since string, timeoutMS int) (*SyncResponse, error)
}

// HTTPClient implements Client over the Transport.
type HTTPClient struct {
	Transport *transport.Transport
}

func (c *HTTPClient) WhoAmI(ctx context.Context) (string, string, error) {
	body, err := c.Transport.Do(ctx, http.MethodGet, "/_matrix/client/r0/account/whoami", nil, nil)
	if err != nil {
		return "", "", err
	}
	parsed := gjson.ParseBytes(body)
	return parsed.Get("user_id").Str, parsed.Get("device_id").Str, nil
}

func (c *HTTPClient) DoSyncV2(ctx context.Context, since string, timeoutMS int) (*SyncResponse, error) {
	query := url.Values{}
	query.Set("timeout", strconv.Itoa(timeoutMS))
	if since != "" {
		query.Set("since", since)
	}
	if since == "" {
		// Initial snapshot: bound the timeline per room.
		filter, err := sjson.Set(`{}`, "room.timeline.limit", initialTimelineLimit)
		if err != nil {
			return nil, fmt.Errorf("syncv2: build sync filter: %w", err)
		}
		query.Set("filter", filter)
	}

	// The request must outlive the server-side hold, with slack for the
	// network round trip, but still die promptly if the server hangs.
	ctx, cancel := context.WithTimeout(ctx, time.Duration(timeoutMS)*time.Millisecond+10*time.Second)
	defer cancel()

	body, err := c.Transport.Do(ctx, http.MethodGet, "/_matrix/client/r0/sync", query, nil)
	if err != nil {
		return nil, err
	}
	var res SyncResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("syncv2: decode sync response: %w", err)
	}
	return &res, nil
}

// SyncResponse is the subset of the /sync response this client consumes.
type SyncResponse struct {
	NextBatch string            `json:"next_batch"`
	Rooms     SyncRoomsResponse `json:"rooms"`
}

type SyncRoomsResponse struct {
	Join   map[string]SyncV2JoinResponse   `json:"join"`
	Invite map[string]SyncV2InviteResponse `json:"invite"`
	Leave  map[string]SyncV2LeaveResponse  `json:"leave"`
}

// SyncV2JoinResponse is the per-room payload under the 'join' key.
type SyncV2JoinResponse struct {
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}

type TimelineResponse struct {
	Events    []gomatrixserverlib.ClientEvent `json:"events"`
	Limited   bool                            `json:"limited"`
	PrevBatch string                          `json:"prev_batch,omitempty"`
}

type EventsResponse struct {
	Events []gomatrixserverlib.ClientEvent `json:"events"`
}

// SyncV2InviteResponse is the per-room payload under the 'invite' key.
type SyncV2InviteResponse struct {
	InviteState EventsResponse `json:"invite_state"`
}

// SyncV2LeaveResponse is the per-room payload under the 'leave' key.
type SyncV2LeaveResponse struct {
	State    EventsResponse   `json:"state"`
	Timeline TimelineResponse `json:"timeline"`
}
