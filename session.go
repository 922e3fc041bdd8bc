package mxcli

import "fmt"

// Session identifies one authenticated device against one homeserver.
// Immutable after creation; owned by the Client.
type Session struct {
	HomeserverURL string
	UserID        string
	DeviceID      string
	AccessToken   string
}

func (s Session) validate() error {
	if s.HomeserverURL == "" {
		return fmt.Errorf("session: homeserver URL is required")
	}
	if s.UserID == "" {
		return fmt.Errorf("session: user ID is required")
	}
	if s.AccessToken == "" {
		return fmt.Errorf("session: access token is required")
	}
	if s.DeviceID == "" {
		return fmt.Errorf("session: device ID is required")
	}
	return nil
}
