package mesh

import (
	"context"
	"time"

	"github.com/duskmesh/overlay/transport"
	"github.com/duskmesh/overlay/wire"
)

// Run starts the accept loop and every background schedule (spec.md §4 and
// §5). It returns immediately; call Shutdown to stop.
func (e *Engine) Run() {
	e.goFunc(e.acceptLoop)
	e.goFunc(e.deadEventLoop)
	e.goFunc(e.membershipEventLoop)
	e.goFunc(e.promotionLoop)
	e.goFunc(func() { e.tick(e.cfg.Membership.ShufflePeriod, func(now time.Time) { e.membership.ShuffleTick(now) }) })
	e.goFunc(func() { e.tick(e.cfg.Swim.ProbePeriod, func(now time.Time) { e.swim.ProbeTick(now) }) })
	e.goFunc(func() { e.tick(e.cfg.Plumtree.IHaveFlush, func(time.Time) { e.plumtree.FlushPendingIHave() }) })
	e.goFunc(func() { e.tick(e.cfg.Plumtree.DegreeTick, func(time.Time) { e.plumtree.DegreeTick() }) })
	e.goFunc(func() { e.tick(e.cfg.Plumtree.CacheSweep, func(now time.Time) { e.plumtree.CacheSweepTick(now) }) })
	e.goFunc(func() { e.tick(e.cfg.Plumtree.IWantTimeout, func(now time.Time) { e.plumtree.IWantRetryTick(now) }) })
	e.goFunc(func() { e.tick(e.cfg.AntiEntropy.Period, e.antiEntropyTick) })
}

// goFunc runs fn under the Engine's WaitGroup so Shutdown can wait for it.
func (e *Engine) goFunc(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// tick runs fn every period until shutdown.
func (e *Engine) tick(period time.Duration, fn func(time.Time)) {
	if period <= 0 {
		return
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			fn(now)
		case <-e.shutdownCh:
			return
		}
	}
}

// antiEntropyTick runs one anti-entropy round per subscribed topic.
func (e *Engine) antiEntropyTick(now time.Time) {
	e.topicsMu.Lock()
	topics := make([]wire.TopicID, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	e.topicsMu.Unlock()

	active := e.membership.ActiveView()
	if len(active) == 0 {
		return
	}
	candidates := make([]wire.PeerID, 0, len(active))
	for _, a := range active {
		candidates = append(candidates, a.Peer)
	}

	for _, topic := range topics {
		topicEager, _ := e.plumtree.TopicPeers(topic)
		eager := make(map[wire.PeerID]bool, len(topicEager))
		for _, p := range topicEager {
			eager[p] = true
		}
		if err := e.antientropy.Tick(topic, candidates, eager, now); err != nil {
			e.logger.WithError(err).WithField("topic", topic).Debug("antientropy tick failed")
		}
	}
}

// acceptLoop accepts inbound sessions and spawns a dispatch loop per
// session (spec.md §6.1).
func (e *Engine) acceptLoop() {
	for {
		peer, sess, err := e.trans.Accept(e.runCtx)
		if err != nil {
			select {
			case <-e.shutdownCh:
				return
			default:
				e.logger.WithError(err).Debug("accept failed")
				return
			}
		}
		e.registerSession(peer, sess)
		e.goFunc(func() { e.sessionLoop(peer, sess) })
	}
}

// sessionLoop accepts every stream the remote side opens on sess and
// spawns one receive loop per stream class.
func (e *Engine) sessionLoop(peer wire.PeerID, sess transport.Session) {
	for {
		_, stream, err := sess.AcceptStream(e.runCtx)
		if err != nil {
			e.dropSession(peer)
			return
		}
		e.goFunc(func() { e.recvLoop(peer, stream) })
	}
}

// recvLoop decodes every inbound frame on stream and dispatches it by
// kind until the stream closes or the engine shuts down.
func (e *Engine) recvLoop(peer wire.PeerID, stream transport.Stream) {
	for {
		msg, err := stream.Recv(e.runCtx)
		if err != nil {
			return
		}
		e.dispatch(peer, msg, time.Now())
	}
}

// Shutdown stops the accept loop and every background schedule, waiting up
// to ShutdownGrace for them to drain before forcing the transport closed
// (spec.md §5).
func (e *Engine) Shutdown(ctx context.Context) error {
	var err error
	e.shutdownOnce.Do(func() {
		close(e.shutdownCh)
		e.cancelRun()

		done := make(chan struct{})
		go func() {
			e.wg.Wait()
			close(done)
		}()

		grace := e.cfg.ShutdownGrace
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
		case <-ctx.Done():
		}

		e.plumtree.FlushPendingIHave()
		err = e.trans.Close()
	})
	return err
}
