package ticks

// RingBuffer is a fixed-capacity FIFO of ticks. Appending past capacity
// evicts the oldest entry. It is not safe for concurrent use; Manager guards
// it with its own mutex.
type RingBuffer struct {
	data     []Tick
	capacity int
	index    int // next write position
	size     int
}

func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1000
	}
	return &RingBuffer{
		data:     make([]Tick, capacity),
		capacity: capacity,
	}
}

func (rb *RingBuffer) Append(t Tick) {
	rb.data[rb.index] = t
	rb.index = (rb.index + 1) % rb.capacity
	if rb.size < rb.capacity {
		rb.size++
	}
}

// Latest returns up to n of the newest ticks, oldest first.
func (rb *RingBuffer) Latest(n int) []Tick {
	if rb.size == 0 || n <= 0 {
		return []Tick{}
	}
	if n > rb.size {
		n = rb.size
	}
	out := make([]Tick, n)
	start := (rb.index - n + rb.capacity) % rb.capacity
	for i := 0; i < n; i++ {
		out[i] = rb.data[(start+i)%rb.capacity]
	}
	return out
}

// All returns every buffered tick in insertion order.
func (rb *RingBuffer) All() []Tick {
	return rb.Latest(rb.size)
}

func (rb *RingBuffer) Size() int     { return rb.size }
func (rb *RingBuffer) Capacity() int { return rb.capacity }

func (rb *RingBuffer) Clear() {
	for i := range rb.data {
		rb.data[i] = Tick{}
	}
	rb.index = 0
	rb.size = 0
}
