package paxos

import (
	. "pxnet/pkg/logger"
)

// acceptorState is the per-instance acceptor record. It outlives any
// one proposer round and is the only state the acceptor role mutates.
// Invariant: na never exceeds np, and va changes only when an Accept
// with a number >= na is processed.
type acceptorState struct {
	np Np          // highest prepare seen
	na Np          // highest accept seen
	va interface{} // corresponding value
}

// acceptor returns the state for seq, creating it on first touch.
// Callers hold px.mu. Instances below Min() never reach here; the
// dispatcher drops them first.
func (px *Paxos) acceptor(seq int) *acceptorState {
	a := px.acceptors[seq]
	if a == nil {
		a = &acceptorState{np: NewNp(px.me), na: NewNp(px.me)}
		px.acceptors[seq] = a
	}
	return a
}

func (px *Paxos) handlePrepare(m Message) {
	px.log(DInfo, m.Seq, "receive Prepare from server %d with n %v", m.From, m.N)

	a := px.acceptor(m.Seq)
	rep := Message{Kind: PrepareReply, Seq: m.Seq, From: px.me, To: m.From, Token: m.Token}

	// promise only if I haven't promised a higher proposal already
	if m.N.GreaterThan(a.np) {
		a.np = m.N
		rep.Ok = true
		rep.N = a.na
		rep.V = a.va
		px.log(DAcceptor, m.Seq, "promise n %v to server %d, na %v va %v", m.N, m.From, a.na, a.va)
	} else {
		rep.Ok = false
		rep.N = a.np // lets the rejected proposer pick a higher number next time
		px.log(DDrop, m.Seq, "reject Prepare n %v from server %d, promised %v", m.N, m.From, a.np)
	}

	px.sendLocked(rep)
}

func (px *Paxos) handleAccept(m Message) {
	px.log(DInfo, m.Seq, "receive Accept from server %d with n %v", m.From, m.N)

	a := px.acceptor(m.Seq)
	rep := Message{Kind: AcceptReply, Seq: m.Seq, From: px.me, To: m.From, Token: m.Token}

	if m.N.GreaterThanOrEqual(a.np) {
		a.np = m.N
		a.na = m.N
		a.va = m.V
		rep.Ok = true
		px.log(DAcceptor, m.Seq, "accept n %v v %v from server %d", m.N, m.V, m.From)
	} else {
		rep.Ok = false
		px.log(DDrop, m.Seq, "reject Accept n %v from server %d, promised %v", m.N, m.From, a.np)
	}

	px.sendLocked(rep)
}

// handleDecided is the learner: record the value no matter whether
// this peer voted for it, and pick up the sender's done watermark
// that rides along.
func (px *Paxos) handleDecided(m Message) {
	if _, seen := px.values[m.Seq]; !seen {
		px.log(DCommit, m.Seq, "learned value %v from server %d", m.V, m.Sender)
	}
	px.values[m.Seq] = m.V

	// agreement is over; any round of our own for this instance can stop
	if r := px.rounds[m.Seq]; r != nil && !(r.prepared && r.accepted) {
		r.prepared = true
		r.accepted = true
		if r.timer != nil {
			r.timer.Stop()
		}
	}

	if m.DoneSeq > px.doneSeq[m.Sender] {
		px.doneSeq[m.Sender] = m.DoneSeq
		px.shrinkLocked()
	}
}
