package main

import (
	"context"
	"testing"
	"time"

	"github.com/user/ancsrelay/bluez"
)

type recordedWatch struct {
	addr string
	ctx  context.Context
}

type fakeEvents struct {
	watches []recordedWatch
}

func (f *fakeEvents) Watch(ctx context.Context, addr string) <-chan bluez.Event {
	f.watches = append(f.watches, recordedWatch{addr, ctx})
	return make(chan bluez.Event)
}

func cancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-time.After(50 * time.Millisecond):
		return false
	}
}

func TestDeviceWatchFollowsLatestAddress(t *testing.T) {
	source := &fakeEvents{}
	watch := &deviceWatch{source: source}

	watch.follow(context.Background(), "AA")
	watch.follow(context.Background(), "BB")
	if len(source.watches) != 2 {
		t.Fatalf("Expected 2 watches, got %d", len(source.watches))
	}
	if !cancelled(source.watches[0].ctx) {
		t.Error("Expected the watch on AA to end when following BB")
	}
	if cancelled(source.watches[1].ctx) {
		t.Error("Expected the watch on BB to stay active")
	}
	if source.watches[1].addr != "BB" || watch.events == nil {
		t.Errorf("Expected events for BB, got %q", source.watches[1].addr)
	}

	watch.stop()
	if !cancelled(source.watches[1].ctx) {
		t.Error("Expected stop to end the watch on BB")
	}
	if watch.events != nil {
		t.Error("Expected no events after stop")
	}
	watch.stop()
}

func TestDeviceWatchEndsWithParent(t *testing.T) {
	source := &fakeEvents{}
	watch := &deviceWatch{source: source}
	ctx, cancel := context.WithCancel(context.Background())
	defer watch.stop()

	watch.follow(ctx, "AA")
	cancel()
	if !cancelled(source.watches[0].ctx) {
		t.Error("Expected the watch to end with its parent context")
	}
}
