package rudp

import "time"

// keepAlive tracks the ping cadence and liveness threshold for one
// connection (§4.3). It is a plain timer abstraction: Conn decides when to
// actually send a ping frame based on due().
type keepAlive struct {
	clock Clock

	interval      time.Duration
	missingLimit  int
	lastPingSent  time.Time
	pingsSinceAck int
	started       bool
}

func newKeepAlive(clock Clock, tun Tunables) *keepAlive {
	return &keepAlive{
		clock:        clock,
		interval:     tun.KeepAliveInterval,
		missingLimit: tun.MissingPingsUntilDisconnect,
	}
}

// start (re)arms the interval timer, as done on connect, on every outbound
// reliable send and on every inbound ack (§4.3 "restartable interval timer").
func (k *keepAlive) start() {
	k.started = true
	k.lastPingSent = k.clock.Now()
}

// due reports whether interval has elapsed since the last ping was sent
// and keep-alive is enabled.
func (k *keepAlive) due() bool {
	if !k.started || k.interval <= 0 {
		return false
	}
	return k.clock.Now().Sub(k.lastPingSent) >= k.interval
}

// notePingSent records a ping send, restarting the interval and
// incrementing the outstanding-ping counter.
func (k *keepAlive) notePingSent() {
	k.lastPingSent = k.clock.Now()
	k.pingsSinceAck++
}

// noteAck resets the outstanding-ping counter on any ack, not just a ping
// ack, since any inbound traffic proves liveness.
func (k *keepAlive) noteAck() {
	k.pingsSinceAck = 0
}

// exceeded reports whether the connection should be torn down for want of
// a response (§4.3 "disconnect threshold").
func (k *keepAlive) exceeded() bool {
	return k.missingLimit > 0 && k.pingsSinceAck >= k.missingLimit
}
