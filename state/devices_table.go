package state

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/mxcli/mxcli/sqlutil"
)

// Device is one row of the devices table: the last known sync cursor for
// a (user, device) pair.
type Device struct {
	UserID   string `db:"user_id"`
	DeviceID string `db:"device_id"`
	Since    string `db:"since"`
}

// DevicesTable remembers sync since positions per device, so a restart can
// resume near the last position instead of paying a full initial sync.
type DevicesTable struct {
	db *sqlx.DB
}

func NewDevicesTable(db *sqlx.DB) *DevicesTable {
	db.MustExec(`
	CREATE TABLE IF NOT EXISTS mxcli_devices (
		user_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		since TEXT NOT NULL,
		PRIMARY KEY (user_id, device_id)
	);`)
	return &DevicesTable{db: db}
}

// EnsureDevice creates a row with a blank since token if none exists and
// returns the stored since token.
func (t *DevicesTable) EnsureDevice(ctx context.Context, userID, deviceID string) (since string, err error) {
	err = sqlutil.WithTransaction(ctx, t.db, func(txn *sqlx.Tx) error {
		_, err := txn.ExecContext(ctx,
			`INSERT INTO mxcli_devices(user_id, device_id, since) VALUES($1,$2,$3)
			ON CONFLICT (user_id, device_id) DO NOTHING`,
			userID, deviceID, "",
		)
		if err != nil {
			return err
		}
		return txn.QueryRowxContext(ctx,
			`SELECT since FROM mxcli_devices WHERE user_id = $1 AND device_id = $2`,
			userID, deviceID,
		).Scan(&since)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return since, err
}

// UpdateDeviceSince stores the latest since token for the device.
func (t *DevicesTable) UpdateDeviceSince(userID, deviceID, since string) error {
	_, err := t.db.Exec(
		`UPDATE mxcli_devices SET since = $1 WHERE user_id = $2 AND device_id = $3`,
		since, userID, deviceID,
	)
	return err
}

// RemoveDevice forgets the stored cursor, forcing the next start to do a
// full initial sync.
func (t *DevicesTable) RemoveDevice(userID, deviceID string) error {
	_, err := t.db.Exec(
		`DELETE FROM mxcli_devices WHERE user_id = $1 AND device_id = $2`,
		userID, deviceID,
	)
	return err
}
