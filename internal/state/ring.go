package state

// activityRing is a fixed-capacity FIFO of activity entries. When full,
// appending evicts the oldest entry.
type activityRing struct {
	buf   []ActivityEntry
	head  int // index of the oldest entry
	count int
}

func newActivityRing(capacity int) *activityRing {
	return &activityRing{buf: make([]ActivityEntry, capacity)}
}

func (r *activityRing) append(e ActivityEntry) {
	if r.count < len(r.buf) {
		r.buf[(r.head+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.head] = e
	r.head = (r.head + 1) % len(r.buf)
}

func (r *activityRing) len() int { return r.count }

// entries returns a copy in insertion order, oldest first.
func (r *activityRing) entries() []ActivityEntry {
	out := make([]ActivityEntry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
