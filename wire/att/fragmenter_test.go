package att

import (
	"bytes"
	"testing"
)

func TestNeedsPrepare(t *testing.T) {
	tests := []struct {
		name     string
		mtu      int
		value    []byte
		expected bool
	}{
		{"small value", 23, []byte{1, 2, 3}, false},
		{"exact MTU-3", 23, make([]byte, 20), false},
		{"exceeds MTU-3", 23, make([]byte, 21), true},
		{"large value high MTU", 512, make([]byte, 600), true},
		{"default MTU when zero", 0, make([]byte, 21), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NeedsPrepare(tt.mtu, tt.value); got != tt.expected {
				t.Errorf("NeedsPrepare(%d, %d bytes) = %v, want %v", tt.mtu, len(tt.value), got, tt.expected)
			}
		})
	}
}

func TestSplitWrite(t *testing.T) {
	value := make([]byte, 50)
	for i := range value {
		value[i] = byte(i)
	}

	reqs, err := SplitWrite(0x0042, value, 23)
	if err != nil {
		t.Fatalf("SplitWrite failed: %v", err)
	}
	if len(reqs) != 3 {
		t.Fatalf("Expected 3 fragments, got %d", len(reqs))
	}

	var joined []byte
	for i, r := range reqs {
		if r.Handle != 0x0042 {
			t.Errorf("Fragment %d handle = 0x%04X", i, r.Handle)
		}
		if int(r.Offset) != len(joined) {
			t.Errorf("Fragment %d offset = %d, want %d", i, r.Offset, len(joined))
		}
		if len(r.Value) > 18 {
			t.Errorf("Fragment %d too large: %d", i, len(r.Value))
		}
		joined = append(joined, r.Value...)
	}
	if !bytes.Equal(joined, value) {
		t.Error("Fragments do not reassemble to the original value")
	}
}

func TestSplitWrite_MTUTooSmall(t *testing.T) {
	if _, err := SplitWrite(1, []byte("abc"), 5); err == nil {
		t.Fatal("Expected error for MTU 5")
	}
}

func TestPrepareQueue_OutOfOrderCommit(t *testing.T) {
	q := NewPrepareQueue[string](0)

	if err := q.Add("ctrl", 3, []byte("DEF")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := q.Add("ctrl", 0, []byte("ABC")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	got := q.Commit("ctrl")
	if string(got) != "ABCDEF" {
		t.Errorf("Expected ABCDEF, got %q", got)
	}
	if q.Commit("ctrl") != nil {
		t.Error("Expected second commit to return nil")
	}
	if !q.Empty() {
		t.Error("Expected queue to be empty after commit")
	}
}

func TestPrepareQueue_KeysInArrivalOrder(t *testing.T) {
	q := NewPrepareQueue[int](0)
	q.Add(2, 0, []byte{1})
	q.Add(1, 0, []byte{2})
	q.Add(2, 1, []byte{3})

	keys := q.Keys()
	if len(keys) != 2 || keys[0] != 2 || keys[1] != 1 {
		t.Errorf("Expected keys [2 1], got %v", keys)
	}
	if q.Len(2) != 2 {
		t.Errorf("Expected 2 fragments for key 2, got %d", q.Len(2))
	}
}

func TestPrepareQueue_Limit(t *testing.T) {
	q := NewPrepareQueue[int](2)
	q.Add(1, 0, []byte{1})
	q.Add(1, 1, []byte{2})

	err := q.Add(1, 2, []byte{3})
	if err == nil {
		t.Fatal("Expected prepare queue full error")
	}
	if StatusOf(err) != ErrPrepareQueueFull {
		t.Errorf("Expected status 0x09, got 0x%02X", StatusOf(err))
	}
}

func TestPrepareQueue_Reset(t *testing.T) {
	q := NewPrepareQueue[int](0)
	q.Add(1, 0, []byte{1})
	q.Reset()
	if !q.Empty() || q.Commit(1) != nil {
		t.Error("Expected reset to drop fragments")
	}
}
