package chat

// DefaultRingSize is the default number of retained chat events.
const DefaultRingSize = 1000

// Ring is a bounded FIFO of chat events ordered by Seq, backed by a
// circular buffer so a full ring overwrites the oldest slot in O(1).
//
// Ring is not safe for concurrent use; all access goes through the owning
// session's dispatch path.
type Ring struct {
	events []Event
	head   int // index of the oldest retained event
	size   int
}

// NewRing creates a ring retaining at most capacity events. A capacity
// of zero or less falls back to DefaultRingSize.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{events: make([]Event, capacity)}
}

// at returns the event at logical position i (0 is the oldest).
func (r *Ring) at(i int) Event {
	return r.events[(r.head+i)%len(r.events)]
}

// Append adds an event, dropping the oldest if the ring is full.
func (r *Ring) Append(e Event) {
	if r.size == len(r.events) {
		r.events[r.head] = e
		r.head = (r.head + 1) % len(r.events)
		return
	}
	r.events[(r.head+r.size)%len(r.events)] = e
	r.size++
}

// RangeAfter returns all retained events with Seq > afterSeq, in order.
// If afterSeq precedes the oldest retained seq, the result starts at the
// oldest retained event; the caller can observe the gap via Range.
func (r *Ring) RangeAfter(afterSeq uint64) []Event {
	// Events are in seq order; find the first with Seq > afterSeq.
	lo, hi := 0, r.size
	for lo < hi {
		mid := (lo + hi) / 2
		if r.at(mid).Seq <= afterSeq {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == r.size {
		return nil
	}
	out := make([]Event, r.size-lo)
	for i := range out {
		out[i] = r.at(lo + i)
	}
	return out
}

// Range returns the oldest and newest retained seq. Both are zero when
// the ring is empty.
func (r *Ring) Range() (oldest, newest uint64) {
	if r.size == 0 {
		return 0, 0
	}
	return r.at(0).Seq, r.at(r.size - 1).Seq
}

// Len returns the number of retained events.
func (r *Ring) Len() int {
	return r.size
}
