package mesh

import (
	"context"
	"time"

	"github.com/duskmesh/overlay/membership"
	"github.com/duskmesh/overlay/wire"
)

// dispatch routes one inbound frame from peer to the owning manager by
// Kind (spec.md §6.3). Every frame whose handling returns an error counts
// toward membership's parse-error threshold, and crossing it disconnects
// the peer (spec.md §7).
func (e *Engine) dispatch(peer wire.PeerID, msg *wire.Message, now time.Time) {
	var err error

	switch msg.Header.Kind {
	case wire.EAGER:
		err = e.plumtree.OnEager(peer, msg, now)

	case wire.IHAVE:
		var body wire.IHaveBody
		if err = wire.DecodeBody(msg.Body, &body); err == nil {
			e.plumtree.OnIHave(msg.Header.Topic, peer, body.IDs, now)
		}

	case wire.IWANT:
		var body wire.IWantBody
		if err = wire.DecodeBody(msg.Body, &body); err == nil {
			e.plumtree.OnIWant(msg.Header.Topic, peer, body.IDs)
		}

	case wire.PING:
		var body wire.PingBody
		if err = wire.DecodeBody(msg.Body, &body); err == nil {
			var ack *wire.Message
			ack, err = e.swim.OnPing(peer, body, now)
			if err == nil {
				err = e.Send(peer, e.addrOf(peer), ack)
			}
		}

	case wire.ACK:
		var body wire.AckBody
		if err = wire.DecodeBody(msg.Body, &body); err == nil {
			err = e.swim.OnAck(peer, body, now)
		}

	case wire.PING_REQ:
		var body wire.PingReqBody
		if err = wire.DecodeBody(msg.Body, &body); err == nil {
			err = e.swim.OnPingReq(peer, body)
		}

	case wire.JOIN, wire.FWD_JOIN, wire.SHUFFLE, wire.SHUFFLE_REPLY, wire.DISCONNECT:
		err = e.membership.OnMessage(peer, msg, now)

	case wire.ANTIENTROPY:
		err = e.antientropy.OnAntiEntropy(peer, msg, now)

	default:
		e.logger.WithField("kind", msg.Header.Kind).Debug("unhandled frame kind")
		return
	}

	if err == nil {
		e.swim.Touch(peer)
		return
	}

	e.logger.WithError(err).WithField("peer", peer).WithField("kind", msg.Header.Kind).Debug("frame handling failed")
	if e.membership.NoteParseError(peer, now) {
		e.membership.Disconnect(peer, now)
	}
}

// deadEventLoop drains swim's Dead classifications, applying them to
// membership's active view and stopping further probing (spec.md §4.2,
// §4.3).
func (e *Engine) deadEventLoop() {
	for {
		select {
		case peer, ok := <-e.swim.DeadEvents():
			if !ok {
				return
			}
			e.membership.MarkDead(peer, time.Now())
			e.swim.Untrack(peer)
			e.plumtree.OnPeerRemoved(peer)
		case <-e.shutdownCh:
			return
		}
	}
}

// membershipEventLoop keeps swim and plumtree's peer sets in sync with
// HyParView's active-view transitions (spec.md §4.3's tracked-set scope,
// §4.4's eager/lazy seeding).
func (e *Engine) membershipEventLoop() {
	for {
		select {
		case ev, ok := <-e.membership.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case membership.PeerActivated:
				e.swim.Track(ev.Peer, e.addrOf(ev.Peer))
				e.plumtree.OnPeerActive(ev.Peer)
			case membership.PeerDeactivated:
				e.swim.Untrack(ev.Peer)
				e.plumtree.OnPeerRemoved(ev.Peer)
			}
		case <-e.shutdownCh:
			return
		}
	}
}

// promotionLoop pulls a passive peer into the active view whenever it has
// dipped below ACTIVE_MIN (spec.md §4.2), dialing to confirm reachability
// before committing the promotion.
func (e *Engine) promotionLoop() {
	ticker := time.NewTicker(promotionCheckPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.tryPromote()
		case <-e.shutdownCh:
			return
		}
	}
}

func (e *Engine) tryPromote() {
	if !e.membership.NeedsPromotion() {
		return
	}
	candidate, ok := e.membership.PickPromotionCandidate(time.Now())
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(e.runCtx, e.cfg.Membership.PromoteTimeout)
	defer cancel()
	sess, err := e.trans.Dial(ctx, candidate.Peer, candidate.Addr)
	if err != nil {
		e.membership.MarkPromotionFailed(candidate.Peer, time.Now())
		return
	}

	e.registerSession(candidate.Peer, sess)
	e.goFunc(func() { e.sessionLoop(candidate.Peer, sess) })
	e.membership.ConfirmPromotion(candidate.Peer, time.Now())
}
