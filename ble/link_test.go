package ble_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/user/ancsrelay/ble"
	"github.com/user/ancsrelay/ble/bletest"
	"github.com/user/ancsrelay/wire/gatt"
)

var (
	testService = uuid.MustParse("7905F431-B5CE-4E99-A40F-4B1E122D00D0")
	testNotify  = uuid.MustParse("9FBF120D-6301-42D9-8C58-25E699A21DBD")
	testControl = uuid.MustParse("69D1D8F3-45E1-49A8-9821-9BBDFDAAD9D9")
)

func newFake(manual bool) *bletest.FakeGatt {
	g := bletest.NewFakeGatt("AA:BB:CC:DD:EE:FF",
		bletest.Char(testService, testNotify, gatt.PropNotify),
		bletest.Char(testService, testControl, gatt.PropWrite|gatt.PropRead),
	)
	g.Manual = manual
	return g
}

// connected returns a link that is connected and has discovered services
func connected(t *testing.T, g *bletest.FakeGatt) *ble.Link {
	t.Helper()
	manual := g.Manual
	g.Manual = false
	link := ble.NewLink(g)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := link.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := link.DiscoverServices(ctx); err != nil {
		t.Fatalf("DiscoverServices: %v", err)
	}
	g.Manual = manual
	t.Cleanup(func() { link.Close() })
	return link
}

func nextOp(t *testing.T, g *bletest.FakeGatt, kind string) bletest.Op {
	t.Helper()
	for {
		select {
		case op := <-g.Ops:
			if op.Kind == kind {
				return op
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", kind)
		}
	}
}

func TestLink_ConnectAndDiscover(t *testing.T) {
	g := newFake(false)
	link := connected(t, g)

	if link.State() != ble.StateServicesDiscovered {
		t.Fatalf("expected services_discovered, got %s", link.State())
	}
	ch, err := link.Characteristic(testService, testControl)
	if err != nil {
		t.Fatalf("Characteristic: %v", err)
	}
	if ch.UUID != testControl {
		t.Errorf("wrong characteristic %s", ch.UUID)
	}

	_, err = link.Characteristic(testService, uuid.New())
	var notFound *ble.ServiceNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected ServiceNotFoundError, got %v", err)
	}
}

func TestLink_OperationsRequireConnection(t *testing.T) {
	g := newFake(false)
	link := ble.NewLink(g)
	ctx := context.Background()
	ch := g.Chars[1]

	if _, err := link.RequestMTU(ctx, 512); !errors.Is(err, ble.ErrIllegalState) {
		t.Errorf("RequestMTU: expected ErrIllegalState, got %v", err)
	}
	if err := link.DiscoverServices(ctx); !errors.Is(err, ble.ErrIllegalState) {
		t.Errorf("DiscoverServices: expected ErrIllegalState, got %v", err)
	}
	if err := link.WriteCharacteristic(ctx, ch, []byte{1}); !errors.Is(err, ble.ErrIllegalState) {
		t.Errorf("WriteCharacteristic: expected ErrIllegalState, got %v", err)
	}
	if _, err := link.ReadCharacteristic(ctx, ch); !errors.Is(err, ble.ErrIllegalState) {
		t.Errorf("ReadCharacteristic: expected ErrIllegalState, got %v", err)
	}
	if err := link.SetNotification(ctx, ch, true); !errors.Is(err, ble.ErrIllegalState) {
		t.Errorf("SetNotification: expected ErrIllegalState, got %v", err)
	}

	// subscribing does not need a connection
	sub := link.Subscribe(ch, 1)
	defer sub.Close()
}

func TestLink_ConnectRejected(t *testing.T) {
	g := newFake(false)
	g.ConnectStatus = 0x3E
	link := ble.NewLink(g)

	err := link.Connect(context.Background())
	var connErr *ble.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Status != 0x3E {
		t.Errorf("expected status 0x3E, got 0x%X", connErr.Status)
	}
	if link.State() != ble.StateDisconnected {
		t.Errorf("expected disconnected, got %s", link.State())
	}
}

func TestLink_ConnectTimeout(t *testing.T) {
	g := newFake(true)
	link := ble.NewLink(g)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := link.Connect(ctx)

	var timeout *ble.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("TimeoutError should unwrap to DeadlineExceeded")
	}
	nextOp(t, g, "disconnect")

	// a late accept must not resurrect the link
	g.Callback().OnConnectionStateChange(ble.StatusSuccess, ble.StateConnected)
	if link.State() != ble.StateDisconnected {
		t.Errorf("late connect callback changed state to %s", link.State())
	}
}

func TestLink_ReadsAnsweredInOrder(t *testing.T) {
	g := newFake(true)
	link := connected(t, g)
	ch, _ := link.Characteristic(testService, testControl)

	type result struct {
		value []byte
		err   error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)

	go func() {
		v, err := link.ReadCharacteristic(context.Background(), ch)
		first <- result{v, err}
	}()
	nextOp(t, g, "read")
	go func() {
		v, err := link.ReadCharacteristic(context.Background(), ch)
		second <- result{v, err}
	}()
	nextOp(t, g, "read")

	g.Callback().OnCharacteristicRead(ch, []byte("one"), ble.StatusSuccess)
	g.Callback().OnCharacteristicRead(ch, []byte("two"), ble.StatusSuccess)

	for name, c := range map[string]chan result{"one": first, "two": second} {
		select {
		case r := <-c:
			if r.err != nil || string(r.value) != name {
				t.Errorf("read %s: got %q, %v", name, r.value, r.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("read %s never completed", name)
		}
	}
}

func TestLink_ReadFailureStatus(t *testing.T) {
	g := newFake(true)
	link := connected(t, g)
	ch, _ := link.Characteristic(testService, testControl)

	errC := make(chan error, 1)
	go func() {
		_, err := link.ReadCharacteristic(context.Background(), ch)
		errC <- err
	}()
	nextOp(t, g, "read")
	g.Callback().OnCharacteristicRead(ch, nil, 0x02)

	err := <-errC
	var opErr *ble.OperationError
	if !errors.As(err, &opErr) || opErr.Status != 0x02 {
		t.Fatalf("expected OperationError status 0x02, got %v", err)
	}
}

func TestLink_SecondWriteCompletesStaleWaiter(t *testing.T) {
	g := newFake(true)
	link := connected(t, g)
	ch, _ := link.Characteristic(testService, testControl)

	first := make(chan error, 1)
	go func() { first <- link.WriteCharacteristic(context.Background(), ch, []byte{1}) }()
	nextOp(t, g, "write")

	second := make(chan error, 1)
	go func() { second <- link.WriteCharacteristic(context.Background(), ch, []byte{2}) }()
	nextOp(t, g, "write")

	select {
	case err := <-first:
		if err != nil {
			t.Errorf("stale write should complete successfully, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stale write still blocked")
	}

	g.Callback().OnCharacteristicWrite(ch, ble.StatusSuccess)
	if err := <-second; err != nil {
		t.Errorf("second write: %v", err)
	}
}

func TestLink_TimedOutWaiterIsAbandoned(t *testing.T) {
	g := newFake(true)
	link := connected(t, g)
	ch, _ := link.Characteristic(testService, testControl)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := link.WriteCharacteristic(ctx, ch, []byte{1})
	var timeout *ble.TimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TimeoutError, got %v", err)
	}

	// late callback for the abandoned write is discarded
	g.Callback().OnCharacteristicWrite(ch, 0x0E)

	done := make(chan error, 1)
	go func() { done <- link.WriteCharacteristic(context.Background(), ch, []byte{2}) }()
	nextOp(t, g, "write")
	nextOp(t, g, "write")
	g.Callback().OnCharacteristicWrite(ch, ble.StatusSuccess)
	if err := <-done; err != nil {
		t.Errorf("write after abandoned waiter: %v", err)
	}
}

func TestLink_DisconnectFailsPending(t *testing.T) {
	g := newFake(true)
	link := connected(t, g)
	ch, _ := link.Characteristic(testService, testControl)
	gone := link.Disconnected()

	errC := make(chan error, 1)
	go func() {
		_, err := link.ReadCharacteristic(context.Background(), ch)
		errC <- err
	}()
	nextOp(t, g, "read")
	g.Drop(0x08)

	var connErr *ble.ConnectionError
	if err := <-errC; !errors.As(err, &connErr) || connErr.Status != 0x08 {
		t.Fatalf("expected ConnectionError 0x08, got %v", err)
	}
	select {
	case <-gone:
	default:
		t.Error("Disconnected channel not closed")
	}
	if err := link.WriteCharacteristic(context.Background(), ch, nil); !errors.Is(err, ble.ErrIllegalState) {
		t.Errorf("expected ErrIllegalState after disconnect, got %v", err)
	}
}

func TestLink_SetNotificationWritesCCCD(t *testing.T) {
	g := newFake(false)
	link := connected(t, g)
	ch, _ := link.Characteristic(testService, testNotify)

	if err := link.SetNotification(context.Background(), ch, true); err != nil {
		t.Fatalf("SetNotification: %v", err)
	}
	if !g.NotificationsEnabled(testNotify) {
		t.Error("platform notification flag not set")
	}
	writes := g.Writes()
	last := writes[len(writes)-1]
	if last.Kind != "descriptor" || last.Descriptor != ble.CCCD || !bytes.Equal(last.Value, []byte{0x01, 0x00}) {
		t.Errorf("unexpected CCCD write %+v", last)
	}

	if err := link.SetNotification(context.Background(), ch, false); err != nil {
		t.Fatalf("SetNotification(false): %v", err)
	}
	writes = g.Writes()
	if v := writes[len(writes)-1].Value; !bytes.Equal(v, []byte{0x00, 0x00}) {
		t.Errorf("disable wrote % x", v)
	}
}

func TestLink_SubscribeMulticast(t *testing.T) {
	g := newFake(false)
	link := connected(t, g)
	ch, _ := link.Characteristic(testService, testNotify)

	a := link.Subscribe(ch, 4)
	b := link.Subscribe(ch, 1)

	g.Notify(testNotify, []byte{1})
	g.Notify(testNotify, []byte{2}) // b is full, dropped for b only

	for i, want := range []byte{1, 2} {
		select {
		case v := <-a.C:
			if v[0] != want {
				t.Errorf("a[%d] = %d, want %d", i, v[0], want)
			}
		case <-time.After(time.Second):
			t.Fatal("a missed a value")
		}
	}
	if v := <-b.C; v[0] != 1 {
		t.Errorf("b got %d, want 1", v[0])
	}
	select {
	case v := <-b.C:
		t.Errorf("b should have dropped the overflow, got %v", v)
	default:
	}

	link.Close()
	if _, ok := <-a.C; ok {
		t.Error("stream not closed with the link")
	}
}

func TestLink_RequestMTU(t *testing.T) {
	g := newFake(false)
	g.MaxMTU = 185
	link := connected(t, g)

	mtu, err := link.RequestMTU(context.Background(), 512)
	if err != nil {
		t.Fatalf("RequestMTU: %v", err)
	}
	if mtu != 185 {
		t.Errorf("expected 185, got %d", mtu)
	}
}
