package camera

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFrame(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}
	return path
}

func TestDeviceExclusiveStream(t *testing.T) {
	ctx := context.Background()
	dev := NewDevice(map[Facing]string{
		FacingEnvironment: writeFrame(t, "id.jpg", []byte("id-card")),
		FacingUser:        writeFrame(t, "face.jpg", []byte("selfie")),
	})

	stream, err := dev.Open(ctx, FacingEnvironment)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := dev.Open(ctx, FacingUser); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Expected ErrDeviceBusy, got %v", err)
	}

	frame, err := stream.Capture(ctx)
	if err != nil || !bytes.Equal(frame, []byte("id-card")) {
		t.Fatalf("Capture = %q, %v", frame, err)
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Second Close should be a no-op, got %v", err)
	}
	if dev.Active() {
		t.Fatal("Device should be free after close")
	}
	if _, err := stream.Capture(ctx); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Expected ErrStreamClosed, got %v", err)
	}

	user, err := dev.Open(ctx, FacingUser)
	if err != nil {
		t.Fatalf("Open user camera failed: %v", err)
	}
	defer user.Close()
	frame, _ = user.Capture(ctx)
	if string(frame) != "selfie" {
		t.Errorf("Expected selfie frame, got %q", frame)
	}
}

func TestDeviceMissingSource(t *testing.T) {
	dev := NewDevice(map[Facing]string{FacingUser: filepath.Join(t.TempDir(), "missing.jpg")})

	if _, err := dev.Open(context.Background(), FacingEnvironment); !errors.Is(err, ErrNoSource) {
		t.Errorf("Expected ErrNoSource, got %v", err)
	}
	if _, err := dev.Open(context.Background(), FacingUser); err == nil {
		t.Error("Expected error for missing file")
	}
	if dev.Active() {
		t.Error("Failed opens must not hold the device")
	}
}
