package ble

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMulticast_OverflowDropsNewest(t *testing.T) {
	m := NewMulticast[int]("test")
	sub := m.Subscribe(2)

	for i := 1; i <= 3; i++ {
		m.Publish(i)
	}
	if got := <-sub.C; got != 1 {
		t.Errorf("first = %d", got)
	}
	if got := <-sub.C; got != 2 {
		t.Errorf("second = %d", got)
	}
	select {
	case v := <-sub.C:
		t.Errorf("overflow value %d was kept", v)
	default:
	}
}

func TestMulticast_CloseAndUnsubscribe(t *testing.T) {
	m := NewMulticast[string]("test")
	a := m.Subscribe(1)
	b := m.Subscribe(1)

	a.Close()
	a.Close()
	if m.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", m.Subscribers())
	}
	m.Close()
	if _, ok := <-b.C; ok {
		t.Error("subscriber not closed")
	}
	b.Close()

	late := m.Subscribe(1)
	if _, ok := <-late.C; ok {
		t.Error("subscription to closed stream should be closed")
	}
}

func TestWaiter_CompletesOnce(t *testing.T) {
	w := newWaiter[int]()
	if !w.complete(1, nil) {
		t.Fatal("first complete should resolve")
	}
	if w.complete(2, errors.New("late")) {
		t.Fatal("second complete should be ignored")
	}
	v, err := w.wait(context.Background())
	if v != 1 || err != nil {
		t.Errorf("got %d, %v", v, err)
	}
}

func TestWaiter_Deadline(t *testing.T) {
	w := newWaiter[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := w.wait(ctx)
	var timeout *TimeoutError
	if !errors.As(ctxErr("op", err), &timeout) {
		t.Errorf("expected TimeoutError, got %v", err)
	}
}
