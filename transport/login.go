package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
)

// Credentials is the result of a password login. The same shape is written
// to the optional credentials file by the login helper; the chat client
// never reads that file back automatically.
type Credentials struct {
	AccessToken string `json:"access_token"`
	DeviceID    string `json:"device_id"`
	UserID      string `json:"user_id"`
}

type loginRequest struct {
	Type                     string `json:"type"`
	User                     string `json:"user"`
	Password                 string `json:"password"`
	InitialDeviceDisplayName string `json:"initial_device_display_name"`
}

// Login authenticates with m.login.password and returns the credentials.
// Works on an unauthenticated Transport; any configured access token is
// ignored by the homeserver for this endpoint.
func (t *Transport) Login(ctx context.Context, user, password, deviceName string) (*Credentials, error) {
	if user == "" || password == "" {
		return nil, fmt.Errorf("transport: login requires a user and a password")
	}
	body, err := t.Do(ctx, http.MethodPost, "/_matrix/client/r0/login", nil, loginRequest{
		Type:                     "m.login.password",
		User:                     user,
		Password:                 password,
		InitialDeviceDisplayName: deviceName,
	})
	if err != nil {
		return nil, fmt.Errorf("transport: login as %s: %w", user, err)
	}
	var creds Credentials
	if err := json.Unmarshal(body, &creds); err != nil {
		return nil, fmt.Errorf("transport: parse login response: %w", err)
	}
	return &creds, nil
}

// WriteFile writes the credentials as indented JSON, readable only by the
// owner.
func (c *Credentials) WriteFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("transport: encode credentials: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("transport: write credentials file %s: %w", path, err)
	}
	return nil
}
