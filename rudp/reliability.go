package rudp

import "time"

// initSeqnum is the value last_received_id starts at, chosen so the first
// legitimately-received ID (0) is accepted as the successor of the wrap
// point instead of looking like a 32768-ID-old straggler.
const initSeqnum uint16 = 65535

// outstandingPacket is one unacknowledged reliable (or hello/ping) send.
type outstandingPacket struct {
	id            uint16
	data          []byte
	firstSent     time.Time
	lastAction    time.Time
	nextTimeoutMs float64
	retransmits   int
}

// reliability owns one peer's sequence allocation, retransmit queue,
// novelty classification and RTT estimate. It holds no socket reference —
// Conn drives it and performs the actual I/O, which keeps this type
// testable without any networking.
type reliability struct {
	clock Clock

	nextID uint16

	outstanding map[uint16]*outstandingPacket

	lastReceivedID uint16
	missingIDs     map[uint16]struct{}

	avgPingMs float64

	pingsSinceAck int
	pingIDs       map[uint16]struct{}
}

func newReliability(clock Clock) *reliability {
	return &reliability{
		clock:          clock,
		outstanding:    make(map[uint16]*outstandingPacket),
		lastReceivedID: initSeqnum,
		missingIDs:     make(map[uint16]struct{}),
		avgPingMs:      initialAvgPingMs,
		pingIDs:        make(map[uint16]struct{}),
	}
}

// reset clears all reliability state, as done on close (§4.2 "Reset on
// close").
func (r *reliability) reset() {
	r.outstanding = make(map[uint16]*outstandingPacket)
	r.lastReceivedID = initSeqnum
	r.missingIDs = make(map[uint16]struct{})
	r.avgPingMs = initialAvgPingMs
	r.pingsSinceAck = 0
	r.pingIDs = make(map[uint16]struct{})
}

// nextReliableID allocates the next ID by post-increment, starting at 0.
func (r *reliability) nextReliableID() uint16 {
	id := r.nextID
	r.nextID++
	return id
}

func (r *reliability) firstTimeoutMs(tunables Tunables) float64 {
	if tunables.ResendTimeout > 0 {
		return float64(tunables.ResendTimeout.Milliseconds())
	}
	ms := r.avgPingMs * tunables.ResendPingMultiplier
	if ms > adaptiveCapMs {
		ms = adaptiveCapMs
	}
	return ms
}

// track records data (a fully-stamped reliable/hello/ping frame) as
// outstanding under id.
func (r *reliability) track(id uint16, data []byte, tunables Tunables) {
	now := r.clock.Now()
	r.outstanding[id] = &outstandingPacket{
		id:            id,
		data:          data,
		firstSent:     now,
		lastAction:    now,
		nextTimeoutMs: r.firstTimeoutMs(tunables),
	}
}

func (r *reliability) markPing(id uint16) { r.pingIDs[id] = struct{}{} }

// retransmitAction is what the retransmit pass wants done with one
// outstanding packet on this tick.
type retransmitAction int

const (
	actionNone retransmitAction = iota
	actionResend
	actionDisconnectTimeout
	actionDisconnectResendLimit
)

// retransmitDecision pairs a packet's data with the action to take, so the
// caller (Conn) can perform I/O without reaching back into reliability
// internals.
type retransmitDecision struct {
	id     uint16
	data   []byte
	action retransmitAction
}

// sweep runs one retransmit-tick pass (§4.2 "Retransmission pass") and
// returns the decisions for every outstanding packet. It mutates
// next_timeout_ms / retransmit counters for packets that are resent, and
// removes packets that hit a disconnect condition, but does not perform
// I/O itself.
func (r *reliability) sweep(tunables Tunables) []retransmitDecision {
	now := r.clock.Now()
	var decisions []retransmitDecision

	for id, pkt := range r.outstanding {
		age := now.Sub(pkt.firstSent)
		if age >= tunables.DisconnectTimeout {
			delete(r.outstanding, id)
			decisions = append(decisions, retransmitDecision{id: id, data: pkt.data, action: actionDisconnectTimeout})
			continue
		}

		if now.Sub(pkt.lastAction) < time.Duration(pkt.nextTimeoutMs)*time.Millisecond {
			continue
		}

		pkt.retransmits++
		if tunables.ResendLimit != 0 && pkt.retransmits > tunables.ResendLimit {
			delete(r.outstanding, id)
			decisions = append(decisions, retransmitDecision{id: id, data: pkt.data, action: actionDisconnectResendLimit})
			continue
		}

		pkt.nextTimeoutMs *= tunables.ResendPingMultiplier
		if pkt.nextTimeoutMs > maxNextTimeoutMs {
			pkt.nextTimeoutMs = maxNextTimeoutMs
		}
		pkt.lastAction = now
		decisions = append(decisions, retransmitDecision{id: id, data: pkt.data, action: actionResend})
	}

	return decisions
}

// isNewID implements the 32768-wide forward window novelty check (§4.2
// step 2) in isolation so it can be fuzzed/tested without any other state.
func isNewID(lastReceived, id uint16) bool {
	w := lastReceived - 32768
	if w < lastReceived {
		return id > lastReceived || id <= w
	}
	return id > lastReceived && id <= w
}

// noveltyResult is what happened to one inbound reliable/hello/ping ID.
type noveltyResult int

const (
	noveltyNew       noveltyResult = iota // first time seen; deliver
	noveltyRecovered                      // filled a previously-missing gap; deliver once
	noveltyDuplicate                      // already delivered or outside the window; drop
)

// receive applies §4.2 steps 2-4 for one inbound ID and returns whether it
// should be delivered to the dispatcher.
func (r *reliability) receive(id uint16) noveltyResult {
	if isNewID(r.lastReceivedID, id) {
		for x := r.lastReceivedID + 1; x != id; x++ {
			r.missingIDs[x] = struct{}{}
		}
		r.lastReceivedID = id
		return noveltyNew
	}

	if _, wasMissing := r.missingIDs[id]; wasMissing {
		delete(r.missingIDs, id)
		return noveltyRecovered
	}
	return noveltyDuplicate
}

// ackBitmask implements §4.2.1: bit i (0-based) is set iff the ID i+1
// below id is NOT in missingIDs.
func (r *reliability) ackBitmask(id uint16) byte {
	var mask byte
	for i := 0; i < 8; i++ {
		check := id - uint16(i+1)
		if _, missing := r.missingIDs[check]; !missing {
			mask |= 1 << uint(i)
		}
	}
	return mask
}

// ackReceived is what an inbound ack produces for a single acknowledged ID:
// the outstanding packet it removed, if any, so the caller can update RTT
// and fire any ack callback.
func (r *reliability) ackReceived(id uint16) *outstandingPacket {
	pkt, ok := r.outstanding[id]
	if !ok {
		return nil
	}
	delete(r.outstanding, id)
	return pkt
}

// handleAck processes a full inbound ack frame: the directly-acknowledged
// ID plus every ID named by a set bit in mask. It returns every outstanding
// packet that was newly acknowledged, for RTT sampling.
func (r *reliability) handleAck(id uint16, mask byte, hasMask bool) []*outstandingPacket {
	var acked []*outstandingPacket
	if pkt := r.ackReceived(id); pkt != nil {
		acked = append(acked, pkt)
	}
	delete(r.pingIDs, id)

	if hasMask {
		for i := 0; i < 8; i++ {
			if mask&(1<<uint(i)) == 0 {
				continue
			}
			other := id - uint16(i+1)
			if pkt := r.ackReceived(other); pkt != nil {
				acked = append(acked, pkt)
			}
			delete(r.pingIDs, other)
		}
	}

	r.pingsSinceAck = 0
	return acked
}

// sampleRTT folds one RTT sample into the running average (§3 "RTT
// estimate").
func (r *reliability) sampleRTT(sampleMs float64) {
	avg := 0.7*r.avgPingMs + 0.3*sampleMs
	if avg < minAvgPingMs {
		avg = minAvgPingMs
	}
	r.avgPingMs = avg
}

func (r *reliability) rttSampleMs(pkt *outstandingPacket) float64 {
	return float64(r.clock.Now().Sub(pkt.firstSent).Milliseconds())
}
