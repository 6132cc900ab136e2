package arq

// Reassembler orders inbound payloads by sequence number. Segments ahead of
// the expected sequence are parked in an arena keyed by sequence; the
// expected sequence itself is never parked, it is delivered and drained
// immediately. It is goroutine-local and needs no locking.
type Reassembler struct {
	expected int64
	pending  map[int64][]byte
}

// NewReassembler creates a reassembler expecting sequence 0.
func NewReassembler() *Reassembler {
	return &Reassembler{pending: make(map[int64][]byte)}
}

// Expected returns the next sequence number that can be delivered.
func (r *Reassembler) Expected() int64 { return r.expected }

// Pending returns the number of parked out-of-order segments.
func (r *Reassembler) Pending() int { return len(r.pending) }

// Feed processes one validated payload and returns every payload that can
// now be delivered in order. Returns nil for duplicates of already delivered
// sequences and for segments that had to be parked.
func (r *Reassembler) Feed(seq int64, payload []byte) [][]byte {
	if seq < r.expected {
		return nil
	}

	if seq > r.expected {
		// Future segment. A retransmitted copy simply replaces the first.
		r.pending[seq] = payload
		return nil
	}

	// seq == expected: deliver it and drain any consecutive parked segments.
	result := [][]byte{payload}
	r.expected++

	for {
		next, ok := r.pending[r.expected]
		if !ok {
			break
		}
		delete(r.pending, r.expected)
		result = append(result, next)
		r.expected++
	}

	return result
}
