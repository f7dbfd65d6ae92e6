package paxos

import (
	. "pxnet/pkg/logger"
	"pxnet/pkg/transport"
)

// proposerRound is the in-flight attempt for one instance. The token
// correlates every message of the current attempt; resetting the round
// swaps the token, which silently invalidates replies still in flight
// from the abandoned attempt.
type proposerRound struct {
	token uint64
	n     Np          // proposal number of the current attempt
	tentn Np          // highest number seen anywhere; the next attempt goes above it
	want  interface{} // value the application asked for
	sent  interface{} // value broadcast in the accept phase

	maxNa Np          // highest accepted proposal reported in phase 1
	v1    interface{} // its value

	prepareCount int
	acceptCount  int
	prepared     bool
	accepted     bool

	timer *transport.Timer
}

func (r *proposerRound) reset(token uint64) {
	r.token = token
	r.maxNa = Np{}
	r.v1 = nil
	r.sent = nil
	r.prepareCount = 0
	r.acceptCount = 0
	r.prepared = false
	r.accepted = false
}

// startRoundLocked begins a fresh attempt for seq: fresh token, a
// proposal number above everything this peer has used or observed,
// Prepare to everyone, retry timer armed.
func (px *Paxos) startRoundLocked(seq int) {
	r := px.rounds[seq]
	a := px.acceptor(seq)
	if a.np.GreaterThan(r.tentn) {
		r.tentn = a.np
	}

	r.reset(px.nextToken())
	r.n = r.tentn.Increase(px.me)
	r.tentn = r.n

	px.log(DProposer, seq, "begin round with n %v", r.n)
	px.broadcastLocked(Message{
		Kind:  PrepareRequest,
		Seq:   seq,
		From:  px.me,
		To:    ToAll,
		Token: r.token,
		N:     r.n,
	})

	if r.timer == nil {
		r.timer = transport.NewTimer(px.restart, func() { px.roundTimeout(seq) })
	} else {
		r.timer.Restart(px.restart)
	}
}

// roundTimeout fires once per armed attempt. A round that finished, or
// was already abandoned and replaced, is left alone.
func (px *Paxos) roundTimeout(seq int) {
	px.mu.Lock()
	defer px.mu.Unlock()

	if px.killed() {
		return
	}
	r := px.rounds[seq]
	if r == nil || (r.prepared && r.accepted) {
		return
	}

	px.log(DTimer, seq, "no quorum within %v for n %v, retrying with a higher number", px.restart, r.n)
	px.startRoundLocked(seq)
	px.flushLocked()
}

func (px *Paxos) handlePrepareReply(m Message) {
	r := px.rounds[m.Seq]
	if r == nil || m.Token != r.token {
		px.log(DDrop, m.Seq, "ignore stale PrepareReply from server %d", m.From)
		return
	}

	if !m.Ok {
		// the acceptor's np tells the next attempt where to start
		if m.N.GreaterThan(r.tentn) {
			r.tentn = m.N
		}
		px.log(DDrop, m.Seq, "Prepare n %v rejected by server %d, its np %v", r.n, m.From, m.N)
		return
	}

	if r.prepared {
		return
	}

	if !m.N.IsZero() && m.N.GreaterThan(r.maxNa) {
		r.maxNa = m.N
		r.v1 = m.V
	}
	r.prepareCount++
	px.log(DProposer, m.Seq, "Prepare-ok from server %d (%d/%d)", m.From, r.prepareCount, len(px.peers))

	if r.prepareCount > len(px.peers)/2 {
		r.prepared = true

		// an already-accepted value takes precedence over our own
		v := r.want
		if !r.maxNa.IsZero() {
			px.log(DWarn, m.Seq, "value %v already accepted under n %v, proposing it instead", r.v1, r.maxNa)
			v = r.v1
		}
		r.sent = v

		px.log(DProposer, m.Seq, "prepared, broadcasting Accept n %v v %v", r.n, v)
		px.broadcastLocked(Message{
			Kind:  AcceptRequest,
			Seq:   m.Seq,
			From:  px.me,
			To:    ToAll,
			Token: r.token,
			N:     r.n,
			V:     v,
		})
	}
}

func (px *Paxos) handleAcceptReply(m Message) {
	r := px.rounds[m.Seq]
	if r == nil || m.Token != r.token {
		px.log(DDrop, m.Seq, "ignore stale AcceptReply from server %d", m.From)
		return
	}

	if !m.Ok {
		px.log(DDrop, m.Seq, "Accept n %v rejected by server %d", r.n, m.From)
		return
	}
	if r.accepted || !r.prepared {
		return
	}

	r.acceptCount++
	px.log(DProposer, m.Seq, "Accept-ok from server %d (%d/%d)", m.From, r.acceptCount, len(px.peers))

	if r.acceptCount > len(px.peers)/2 {
		r.accepted = true
		if r.timer != nil {
			r.timer.Stop()
		}

		px.log(DProposer, m.Seq, "accepted by quorum, broadcasting Decided v %v", r.sent)
		px.broadcastLocked(Message{
			Kind:    DecidedRequest,
			Seq:     m.Seq,
			From:    px.me,
			To:      ToAll,
			Token:   r.token,
			V:       r.sent,
			Sender:  px.me,
			DoneSeq: px.doneSeq[px.me],
		})
	}
}
