package broker

import "time"

// InflightResender is spec.md §4.10: a fixed-period (5s, CONFIG.ResendPeriod)
// ticker bound to one Session that, on each tick, re-drives every
// unacknowledged outbound entry through Session.ResendInflightNotAcked.
// Grounded on gonzalop-mq's logicLoop retryTicker pattern — the teacher
// (golang-io-mqtt) has no resend timer of its own.
type InflightResender struct {
	ticker *time.Ticker
	done   chan struct{}
}

// startInflightResender installs and starts ticking immediately. Callers
// must Stop it when the owning Connection's binding ends (takeover,
// disconnect, or connection loss) to avoid leaking the goroutine.
func startInflightResender(session *Session, period time.Duration) *InflightResender {
	if period <= 0 {
		period = 5 * time.Second
	}
	r := &InflightResender{
		ticker: time.NewTicker(period),
		done:   make(chan struct{}),
	}
	go r.run(session)
	return r
}

func (r *InflightResender) run(session *Session) {
	for {
		select {
		case <-r.ticker.C:
			session.ResendInflightNotAcked()
		case <-r.done:
			r.ticker.Stop()
			return
		}
	}
}

// Stop cancels the resend loop. Safe to call at most once.
func (r *InflightResender) Stop() {
	if r == nil {
		return
	}
	close(r.done)
}
