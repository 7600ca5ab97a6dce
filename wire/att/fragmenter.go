package att

import (
	"fmt"
	"sort"
)

// DefaultPrepareQueueLimit bounds the fragments held for one peer
const DefaultPrepareQueueLimit = 128

// NeedsPrepare reports whether value is too long for a single Write Request.
// Write Request format: [Opcode:1][Handle:2][Value:N], so N <= MTU-3.
func NeedsPrepare(mtu int, value []byte) bool {
	if mtu <= 0 {
		mtu = 23
	}
	return len(value) > mtu-3
}

// SplitWrite cuts value into Prepare Write Requests of at most MTU-5 bytes.
func SplitWrite(handle uint16, value []byte, mtu int) ([]*PrepareWriteRequest, error) {
	chunk := mtu - 5
	if chunk <= 0 {
		return nil, fmt.Errorf("att: MTU too small for prepared writes (mtu=%d)", mtu)
	}
	if len(value) > 0xFFFF {
		return nil, fmt.Errorf("att: value too long for prepared writes (%d bytes)", len(value))
	}

	var reqs []*PrepareWriteRequest
	for off := 0; off < len(value); off += chunk {
		end := off + chunk
		if end > len(value) {
			end = len(value)
		}
		reqs = append(reqs, &PrepareWriteRequest{
			Handle: handle,
			Offset: uint16(off),
			Value:  append([]byte{}, value[off:end]...),
		})
	}
	return reqs, nil
}

// Fragment is one prepared-write segment
type Fragment struct {
	Offset int
	Value  []byte
}

// PrepareQueue buffers prepared-write fragments per key until an execute.
// Fragments may arrive in any order; Commit concatenates them by ascending
// offset. Not safe for concurrent use.
type PrepareQueue[K comparable] struct {
	limit  int
	total  int
	queues map[K][]Fragment
	order  []K
}

// NewPrepareQueue creates a queue holding at most limit fragments (0 = default)
func NewPrepareQueue[K comparable](limit int) *PrepareQueue[K] {
	if limit <= 0 {
		limit = DefaultPrepareQueueLimit
	}
	return &PrepareQueue[K]{limit: limit, queues: make(map[K][]Fragment)}
}

// Add buffers one fragment
func (q *PrepareQueue[K]) Add(key K, offset int, value []byte) error {
	if offset < 0 {
		return fmt.Errorf("att: negative prepare offset %d", offset)
	}
	if q.total >= q.limit {
		return NewError(ErrPrepareQueueFull, OpPrepareWriteRequest, 0)
	}
	if _, ok := q.queues[key]; !ok {
		q.order = append(q.order, key)
	}
	q.queues[key] = append(q.queues[key], Fragment{Offset: offset, Value: append([]byte{}, value...)})
	q.total++
	return nil
}

// Keys returns the keys with buffered fragments, in first-arrival order
func (q *PrepareQueue[K]) Keys() []K {
	return append([]K(nil), q.order...)
}

// Commit removes and returns the reassembled value for key, or nil if
// nothing is buffered.
func (q *PrepareQueue[K]) Commit(key K) []byte {
	frags, ok := q.queues[key]
	if !ok || len(frags) == 0 {
		return nil
	}
	q.drop(key)

	sort.SliceStable(frags, func(i, j int) bool { return frags[i].Offset < frags[j].Offset })
	size := 0
	for _, f := range frags {
		size += len(f.Value)
	}
	out := make([]byte, 0, size)
	for _, f := range frags {
		out = append(out, f.Value...)
	}
	return out
}

// Len returns the number of fragments buffered for key
func (q *PrepareQueue[K]) Len(key K) int {
	return len(q.queues[key])
}

// Empty reports whether nothing is buffered at all
func (q *PrepareQueue[K]) Empty() bool {
	return q.total == 0
}

// Reset drops every buffered fragment (execute-cancel or disconnect)
func (q *PrepareQueue[K]) Reset() {
	q.queues = make(map[K][]Fragment)
	q.order = nil
	q.total = 0
}

func (q *PrepareQueue[K]) drop(key K) {
	q.total -= len(q.queues[key])
	delete(q.queues, key)
	for i, k := range q.order {
		if k == key {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}
