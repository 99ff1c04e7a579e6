package radio

import "go.uber.org/atomic"

// DefaultQueueSize is the number of packets buffered between capture and
// forwarding
const DefaultQueueSize = 8

// Queue is a fixed size single-producer single-consumer ring. Push and Pop
// never block and never allocate. When full, the newest packet is dropped.
type Queue struct {
	slots   []Packet
	head    atomic.Uint32 // next slot to read
	tail    atomic.Uint32 // next slot to write
	dropped atomic.Uint32
}

// NewQueue creates a queue holding capacity packets
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{slots: make([]Packet, capacity)}
}

// Push enqueues p. It returns false and counts a drop when the queue is full.
func (q *Queue) Push(p Packet) bool {
	tail := q.tail.Load()
	if tail-q.head.Load() >= uint32(len(q.slots)) {
		q.dropped.Inc()
		return false
	}
	q.slots[tail%uint32(len(q.slots))] = p
	q.tail.Store(tail + 1)
	return true
}

// Pop dequeues the oldest packet. ok is false when the queue is empty.
func (q *Queue) Pop() (p Packet, ok bool) {
	head := q.head.Load()
	if head == q.tail.Load() {
		return Packet{}, false
	}
	idx := head % uint32(len(q.slots))
	p = q.slots[idx]
	q.slots[idx] = Packet{}
	q.head.Store(head + 1)
	return p, true
}

// Len returns the number of queued packets
func (q *Queue) Len() int {
	return int(q.tail.Load() - q.head.Load())
}

// Cap returns the queue capacity
func (q *Queue) Cap() int {
	return len(q.slots)
}

// Dropped returns the overflow counter
func (q *Queue) Dropped() uint32 {
	return q.dropped.Load()
}
