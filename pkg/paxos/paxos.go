package paxos

//
// Paxos library, to be included in an application.
// Multiple applications will run, each including
// a Paxos peer.
//
// Manages a sequence of agreed-on values.
// The set of peers is fixed.
// Copes with network failures (partition, msg loss, &c).
// Does not store anything persistently, so cannot handle crash+restart.
//
// The application interface:
//
// px = paxos.Make(peers, me, net, restart, logger)
// px.Start(seq, v) -- start agreement on new instance
// px.Status(seq) (Fate, v) -- get info about an instance
// px.Done(seq) -- ok to forget all instances <= seq
// px.Max() -- highest instance seq known
// px.Min() -- instances before this seq have been forgotten
//

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	. "pxnet/pkg/logger"
	"pxnet/pkg/utils"
)

// DefaultRestart is the round-retry window used when Make is given a
// non-positive one.
const DefaultRestart = 200 * time.Millisecond

type Paxos struct {
	mu      sync.Mutex
	peers   []string
	me      int // index into peers[]
	net     Network
	restart time.Duration
	logger  Logger
	dead    int32

	tokens uint64
	selfq  []Message // self-addressed messages pending local dispatch

	seqs      *utils.IntHeap // live instance numbers, smallest first, for the shrink pass
	touched   map[int]bool
	acceptors map[int]*acceptorState
	rounds    map[int]*proposerRound
	values    map[int]interface{}

	doneSeq []int // per peer, highest seq it no longer needs; -1 if never told us
	maxSeq  int   // max seq seen in any request so far
}

// Make wires up a peer. net carries its messages; the peer's inbound
// entry point, Deliver, must be attached to the substrate by the
// caller. restart bounds how long a proposer round waits for quorum
// before retrying with a higher number.
func Make(peers []string, me int, net Network, restart time.Duration, l Logger) *Paxos {
	if restart <= 0 {
		restart = DefaultRestart
	}
	px := &Paxos{
		peers:     peers,
		me:        me,
		net:       net,
		restart:   restart,
		logger:    l,
		seqs:      utils.NewIntHeap(),
		touched:   make(map[int]bool),
		acceptors: make(map[int]*acceptorState),
		rounds:    make(map[int]*proposerRound),
		values:    make(map[int]interface{}),
		doneSeq:   make([]int, len(peers)),
	}
	for i := range px.doneSeq {
		px.doneSeq[i] = -1
	}
	return px
}

//
// the application wants paxos to start agreement on
// instance seq, with proposed value v.
// Start() returns right away; the application will
// call Status() to find out if/when agreement
// is reached.
//
func (px *Paxos) Start(seq int, v interface{}) {
	px.mu.Lock()
	defer px.mu.Unlock()

	if px.killed() {
		return
	}
	if seq < px.minLocked() {
		px.log(DWarn, seq, "instance already forgotten, ignoring Start")
		return
	}

	px.touchLocked(seq)

	if _, decided := px.values[seq]; decided {
		px.log(DTrck, seq, "instance already has a value, ignoring Start")
		return
	}

	r := px.rounds[seq]
	if r == nil {
		r = &proposerRound{tentn: NewNp(px.me)}
		px.rounds[seq] = r
	}
	r.want = v

	px.log(DClient, seq, "start agreement on value %v", v)
	px.startRoundLocked(seq)
	px.flushLocked()
}

//
// the application on this machine is done with
// all instances <= seq. The new watermark travels
// to the other peers piggybacked on this peer's
// future Decided broadcasts.
//
func (px *Paxos) Done(seq int) {
	px.mu.Lock()
	defer px.mu.Unlock()

	if seq > px.doneSeq[px.me] {
		px.doneSeq[px.me] = seq
		px.shrinkLocked()
	}
}

//
// the application wants to know the
// highest instance sequence known to
// this peer.
//
func (px *Paxos) Max() int {
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.maxSeq
}

//
// Min() = one more than the minimum among z_i, where z_i is the
// highest number ever passed to Done() on peer i. A z_i is -1 if
// peer i has never called Done().
//
func (px *Paxos) Min() int {
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.minLocked()
}

func (px *Paxos) minLocked() int {
	gmin := px.doneSeq[px.me]
	for _, m := range px.doneSeq {
		if m < gmin {
			gmin = m
		}
	}
	return gmin + 1
}

func (px *Paxos) Status(seq int) (Fate, interface{}) {
	px.mu.Lock()
	defer px.mu.Unlock()

	if seq < px.minLocked() {
		return Forgotten, nil
	}
	if v, decided := px.values[seq]; decided {
		return Decided, v
	}
	return Pending, nil
}

// Deliver is the inbound entry point; the substrate invokes it once
// per arriving message. Requests always reach the acceptor logic;
// replies are filtered against the live round's token inside their
// handlers.
func (px *Paxos) Deliver(payload interface{}) {
	m, ok := payload.(Message)
	if !ok {
		return
	}

	px.mu.Lock()
	defer px.mu.Unlock()

	if px.killed() {
		return
	}
	px.dispatchLocked(m)
	px.flushLocked()
}

func (px *Paxos) dispatchLocked(m Message) {
	switch m.Kind {
	case PrepareRequest, AcceptRequest, DecidedRequest:
		// state of collected instances is never recreated
		if m.Seq < px.minLocked() {
			px.log(DDrop, m.Seq, "ignore %v below Min()", m.Kind)
			return
		}
		px.touchLocked(m.Seq)
	}

	switch m.Kind {
	case PrepareRequest:
		px.handlePrepare(m)
	case AcceptRequest:
		px.handleAccept(m)
	case DecidedRequest:
		px.handleDecided(m)
	case PrepareReply:
		px.handlePrepareReply(m)
	case AcceptReply:
		px.handleAcceptReply(m)
	default:
		px.log(DWarn, m.Seq, "message with bad kind %d", m.Kind)
	}
}

// broadcastLocked hands the message to the substrate for every other
// peer and queues the sender's own copy for local dispatch.
func (px *Paxos) broadcastLocked(m Message) {
	px.net.Broadcast(m)
	px.selfq = append(px.selfq, m)
}

// sendLocked routes a unicast: self-addressed messages never touch
// the substrate.
func (px *Paxos) sendLocked(m Message) {
	if m.To == px.me {
		px.selfq = append(px.selfq, m)
		return
	}
	px.net.Send(m, m.To)
}

// flushLocked drains the self-delivery queue. Handlers may queue more
// while it runs (a local Prepare produces a local reply, which may
// complete a quorum, and so on); the chain is finite.
func (px *Paxos) flushLocked() {
	for len(px.selfq) > 0 {
		m := px.selfq[0]
		px.selfq = px.selfq[1:]
		px.dispatchLocked(m)
	}
}

func (px *Paxos) touchLocked(seq int) {
	if seq > px.maxSeq {
		px.maxSeq = seq
	}
	if !px.touched[seq] {
		px.touched[seq] = true
		px.seqs.HPush(seq)
	}
}

// shrinkLocked forgets every instance below the global minimum.
// Called whenever any done watermark rises.
func (px *Paxos) shrinkLocked() {
	m := px.minLocked()
	for px.seqs.Len() > 0 {
		s, _ := px.seqs.Top()
		if s >= m {
			break
		}
		px.seqs.HPop()
		px.log(DTrck, s, "forgetting instance")
		delete(px.values, s)
		delete(px.acceptors, s)
		delete(px.touched, s)
		if r := px.rounds[s]; r != nil {
			if r.timer != nil {
				r.timer.Stop()
			}
			delete(px.rounds, s)
		}
	}
}

func (px *Paxos) nextToken() uint64 {
	px.tokens++
	return px.tokens
}

//
// tell the peer to shut itself down.
// stops retry timers; inbound messages are ignored afterwards.
//
func (px *Paxos) Kill() {
	atomic.StoreInt32(&px.dead, 1)

	px.mu.Lock()
	defer px.mu.Unlock()
	for _, r := range px.rounds {
		if r.timer != nil {
			r.timer.Stop()
		}
	}
}

func (px *Paxos) killed() bool {
	return atomic.LoadInt32(&px.dead) != 0
}

func (px *Paxos) log(topic LogTopic, seq int, format string, a ...interface{}) {
	if DebugEnabled() {
		msg := fmt.Sprintf(format, a...)
		px.logger.Debug(topic, "{%d} %v", seq, msg)
	}
}
