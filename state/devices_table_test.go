package state

import (
	"context"
	"testing"
)

func TestDevicesTableCursorRoundTrip(t *testing.T) {
	storage, err := NewStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to open storage: %s", err)
	}
	defer storage.Teardown()
	table := storage.DevicesTable
	ctx := context.Background()

	since, err := table.EnsureDevice(ctx, "@alice:localhost", "DEVICE")
	if err != nil {
		t.Fatalf("EnsureDevice: %s", err)
	}
	if since != "" {
		t.Errorf("fresh device since got %q want empty", since)
	}

	if err := table.UpdateDeviceSince("@alice:localhost", "DEVICE", "s_42"); err != nil {
		t.Fatalf("UpdateDeviceSince: %s", err)
	}
	since, err = table.EnsureDevice(ctx, "@alice:localhost", "DEVICE")
	if err != nil {
		t.Fatalf("EnsureDevice: %s", err)
	}
	if since != "s_42" {
		t.Errorf("stored since got %q want s_42", since)
	}

	// a second device has its own cursor
	since, err = table.EnsureDevice(ctx, "@alice:localhost", "OTHER")
	if err != nil {
		t.Fatalf("EnsureDevice: %s", err)
	}
	if since != "" {
		t.Errorf("other device since got %q want empty", since)
	}

	if err := table.RemoveDevice("@alice:localhost", "DEVICE"); err != nil {
		t.Fatalf("RemoveDevice: %s", err)
	}
	since, err = table.EnsureDevice(ctx, "@alice:localhost", "DEVICE")
	if err != nil {
		t.Fatalf("EnsureDevice after remove: %s", err)
	}
	if since != "" {
		t.Errorf("since after remove got %q want empty", since)
	}
}
