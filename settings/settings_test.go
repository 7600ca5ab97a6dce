package settings

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpenMissingFile(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.DeviceAddress() != "" {
		t.Errorf("expected no device, got %q", s.DeviceAddress())
	}
	if !s.Bool(KeyServerEnabled, true) {
		t.Error("unset bool should return the default")
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.SetDeviceAddress("AA:BB:CC:DD:EE:FF", "iPhone"); err != nil {
		t.Fatalf("SetDeviceAddress: %v", err)
	}
	if err := s.Set(KeyServerEnabled, false); err != nil {
		t.Fatalf("Set: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"device_address"`) {
		t.Errorf("file does not look like protojson:\n%s", data)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.DeviceAddress() != "AA:BB:CC:DD:EE:FF" || reopened.String(KeyDeviceName) != "iPhone" {
		t.Errorf("device %q name %q", reopened.DeviceAddress(), reopened.String(KeyDeviceName))
	}
	if reopened.Bool(KeyServerEnabled, true) {
		t.Error("server_enabled should be false")
	}
}

func TestOpenCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path); err == nil {
		t.Fatal("corrupt settings should fail to open")
	}
}

func TestWatchSeesLatestChange(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "settings.json"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	changes, stop := s.Watch()
	defer stop()

	s.SetDeviceAddress("11:11:11:11:11:11", "a")
	s.SetDeviceAddress("22:22:22:22:22:22", "b")
	s.SetDeviceAddress("22:22:22:22:22:22", "b")

	select {
	case addr := <-changes:
		if addr != "22:22:22:22:22:22" {
			t.Errorf("got %q, want the newest address", addr)
		}
	case <-time.After(time.Second):
		t.Fatal("no change delivered")
	}
	select {
	case addr := <-changes:
		t.Errorf("unchanged address should not notify, got %q", addr)
	default:
	}

	if err := s.Forget(); err != nil {
		t.Fatalf("Forget: %v", err)
	}
	if addr := <-changes; addr != "" {
		t.Errorf("forget delivered %q", addr)
	}
}
