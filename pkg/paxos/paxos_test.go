package paxos

import (
	"testing"
	"time"

	"pxnet/pkg/logger"
	"pxnet/pkg/transport"
)

func makeCluster(t *testing.T, n int, restart time.Duration, opts transport.Options) ([]*Paxos, *transport.Network) {
	t.Helper()

	nw := transport.NewNetwork(n, opts)
	peers := make([]string, n)
	for i := range peers {
		peers[i] = t.Name()
	}

	pxs := make([]*Paxos, n)
	for i := 0; i < n; i++ {
		node := nw.Node(i)
		pxs[i] = Make(peers, i, node, restart, logger.NewServerLogger(i))
		node.Attach(pxs[i].Deliver)
	}

	t.Cleanup(func() {
		for _, px := range pxs {
			px.Kill()
		}
		nw.Close()
	})
	return pxs, nw
}

// ndecided counts peers reporting Decided for seq and fails the test
// if any two of them report different values.
func ndecided(t *testing.T, pxs []*Paxos, seq int) int {
	t.Helper()

	count := 0
	var v interface{}
	for i, px := range pxs {
		fate, v1 := px.Status(seq)
		if fate == Decided {
			if count > 0 && v != v1 {
				t.Fatalf("decided values do not match: seq=%v i=%v v=%v v1=%v", seq, i, v, v1)
			}
			count++
			v = v1
		}
	}
	return count
}

func waitn(t *testing.T, pxs []*Paxos, seq int, want int) {
	t.Helper()

	to := 10 * time.Millisecond
	for iters := 0; iters < 30; iters++ {
		if ndecided(t, pxs, seq) >= want {
			return
		}
		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
	}
	t.Fatalf("too few decided; seq=%v want=%v got=%v", seq, want, ndecided(t, pxs, seq))
}

func decidedValue(t *testing.T, px *Paxos, seq int) interface{} {
	t.Helper()

	fate, v := px.Status(seq)
	if fate != Decided {
		t.Fatalf("seq %v not decided on peer %v", seq, px.me)
	}
	return v
}

func TestBasicAgree(t *testing.T) {
	pxs, _ := makeCluster(t, 3, 50*time.Millisecond, transport.Options{})

	pxs[0].Start(0, "v1")
	waitn(t, pxs, 0, 3)

	for _, px := range pxs {
		if v := decidedValue(t, px, 0); v != "v1" {
			t.Fatalf("wrong value decided: %v", v)
		}
	}
}

func TestManyInstances(t *testing.T) {
	pxs, _ := makeCluster(t, 3, 50*time.Millisecond, transport.Options{Jitter: 2 * time.Millisecond})

	const ninst = 10
	for seq := 0; seq < ninst; seq++ {
		pxs[seq%3].Start(seq, seq*10)
	}
	for seq := 0; seq < ninst; seq++ {
		waitn(t, pxs, seq, 3)
		if v := decidedValue(t, pxs[0], seq); v != seq*10 {
			t.Fatalf("seq %v decided %v", seq, v)
		}
	}
}

func TestConcurrentProposers(t *testing.T) {
	pxs, _ := makeCluster(t, 3, 30*time.Millisecond, transport.Options{Jitter: 3 * time.Millisecond})

	// both proposers fire before either's messages can land
	pxs[0].Start(7, "alpha")
	pxs[1].Start(7, "beta")

	waitn(t, pxs, 7, 3)

	v := decidedValue(t, pxs[2], 7)
	if v != "alpha" && v != "beta" {
		t.Fatalf("decided value %v is neither proposal", v)
	}
}

func TestMax(t *testing.T) {
	pxs, _ := makeCluster(t, 3, 50*time.Millisecond, transport.Options{})

	if m := pxs[0].Max(); m != 0 {
		t.Fatalf("fresh peer Max() = %v", m)
	}

	pxs[0].Start(5, "x")
	if m := pxs[0].Max(); m != 5 {
		t.Fatalf("proposer Max() = %v, want 5", m)
	}

	waitn(t, pxs, 5, 3)
	for _, px := range pxs {
		if m := px.Max(); m != 5 {
			t.Fatalf("peer %v Max() = %v, want 5", px.me, m)
		}
	}
}

// A value accepted by a majority in an earlier, abandoned round must
// survive: a later proposer has to adopt it, not its own value.
func TestHonorsAcceptedValue(t *testing.T) {
	pxs, _ := makeCluster(t, 3, 30*time.Millisecond, transport.Options{})

	// peers 1 and 2 already accepted "x" under proposal {5,1}
	for _, i := range []int{1, 2} {
		pxs[i].Deliver(Message{
			Kind:  AcceptRequest,
			Seq:   12,
			From:  1,
			To:    i,
			Token: 9999,
			N:     Np{N: 5, S: 1},
			V:     "x",
		})
	}

	pxs[0].Start(12, "y")
	waitn(t, pxs, 12, 3)

	for _, px := range pxs {
		if v := decidedValue(t, px, 12); v != "x" {
			t.Fatalf("peer %v decided %v, previously accepted value lost", px.me, v)
		}
	}
}

// White-box: replies only count toward the round they belong to, and
// a phase completes only at a strict majority.
func TestStaleRepliesAndQuorum(t *testing.T) {
	// nothing gets through the network; every message below is forged
	pxs, _ := makeCluster(t, 3, time.Minute, transport.Options{Loss: 1.0})
	px := pxs[0]

	px.Start(3, "v")

	px.mu.Lock()
	r := px.rounds[3]
	token := r.token
	if r.prepareCount != 1 || r.prepared {
		px.mu.Unlock()
		t.Fatalf("after own vote: count=%v prepared=%v", r.prepareCount, r.prepared)
	}
	px.mu.Unlock()

	// a reply from an abandoned round must not move the tally
	px.Deliver(Message{Kind: PrepareReply, Seq: 3, From: 1, To: 0, Token: token + 100, Ok: true, N: NewNp(1)})
	px.mu.Lock()
	if r.prepareCount != 1 || r.prepared {
		px.mu.Unlock()
		t.Fatalf("stale reply counted: count=%v prepared=%v", r.prepareCount, r.prepared)
	}
	px.mu.Unlock()

	// the second live vote completes the prepare quorum
	px.Deliver(Message{Kind: PrepareReply, Seq: 3, From: 1, To: 0, Token: token, Ok: true, N: NewNp(1)})
	px.mu.Lock()
	if !r.prepared {
		px.mu.Unlock()
		t.Fatalf("quorum of prepare-oks did not complete the phase")
	}
	if r.accepted {
		px.mu.Unlock()
		t.Fatalf("accepted before any accept replies")
	}
	px.mu.Unlock()

	// own accept vote alone is not a quorum
	px.mu.Lock()
	if r.acceptCount != 1 || r.accepted {
		px.mu.Unlock()
		t.Fatalf("after own accept vote: count=%v accepted=%v", r.acceptCount, r.accepted)
	}
	px.mu.Unlock()

	px.Deliver(Message{Kind: AcceptReply, Seq: 3, From: 2, To: 0, Token: token + 100, Ok: true})
	px.mu.Lock()
	if r.acceptCount != 1 {
		px.mu.Unlock()
		t.Fatalf("stale accept reply counted")
	}
	px.mu.Unlock()

	px.Deliver(Message{Kind: AcceptReply, Seq: 3, From: 2, To: 0, Token: token, Ok: true})
	px.mu.Lock()
	if !r.accepted {
		px.mu.Unlock()
		t.Fatalf("quorum of accept-oks did not complete the phase")
	}
	px.mu.Unlock()

	if fate, v := px.Status(3); fate != Decided || v != "v" {
		t.Fatalf("proposer did not learn its own decision: %v %v", fate, v)
	}
}

// White-box: np never decreases, and na/va move only under a
// sufficiently high Accept.
func TestAcceptorMonotonic(t *testing.T) {
	pxs, _ := makeCluster(t, 3, time.Minute, transport.Options{Loss: 1.0})
	px := pxs[0]

	deliver := func(kind MsgKind, n Np, v interface{}) {
		px.Deliver(Message{Kind: kind, Seq: 8, From: 1, To: 0, Token: 1, N: n, V: v})
	}

	deliver(PrepareRequest, Np{N: 5, S: 1}, nil)
	deliver(PrepareRequest, Np{N: 3, S: 2}, nil) // rejected, must not lower np

	px.mu.Lock()
	a := px.acceptors[8]
	if a.np != (Np{N: 5, S: 1}) {
		px.mu.Unlock()
		t.Fatalf("np = %v after a lower prepare", a.np)
	}
	px.mu.Unlock()

	deliver(AcceptRequest, Np{N: 4, S: 1}, "low") // below np, rejected
	px.mu.Lock()
	if !a.na.IsZero() || a.va != nil {
		px.mu.Unlock()
		t.Fatalf("low accept mutated na/va: %v %v", a.na, a.va)
	}
	px.mu.Unlock()

	deliver(AcceptRequest, Np{N: 5, S: 1}, "first")
	deliver(AcceptRequest, Np{N: 7, S: 2}, "second")
	deliver(AcceptRequest, Np{N: 6, S: 1}, "late") // below np again

	px.mu.Lock()
	defer px.mu.Unlock()
	if a.np != (Np{N: 7, S: 2}) || a.na != (Np{N: 7, S: 2}) || a.va != "second" {
		t.Fatalf("acceptor state wrong: np=%v na=%v va=%v", a.np, a.na, a.va)
	}
}

func TestForget(t *testing.T) {
	pxs, _ := makeCluster(t, 3, 50*time.Millisecond, transport.Options{})

	for i := 0; i < 3; i++ {
		pxs[i].Start(i, i*100)
	}
	for i := 0; i < 3; i++ {
		waitn(t, pxs, i, 3)
	}

	for _, px := range pxs {
		if m := px.Min(); m != 0 {
			t.Fatalf("Min() = %v before anyone called Done", m)
		}
		px.Done(2)
	}

	// watermarks travel on Decided broadcasts, so each peer has to
	// drive one more instance to completion
	for i := 0; i < 3; i++ {
		pxs[i].Start(3+i, "fill")
		waitn(t, pxs, 3+i, 3)
	}

	ok := false
	for iters := 0; iters < 20; iters++ {
		ok = true
		for _, px := range pxs {
			if px.Min() != 3 {
				ok = false
			}
		}
		if ok {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !ok {
		t.Fatalf("Min() never advanced to 3: %v %v %v", pxs[0].Min(), pxs[1].Min(), pxs[2].Min())
	}

	for _, px := range pxs {
		for seq := 0; seq < 3; seq++ {
			if fate, v := px.Status(seq); fate != Forgotten || v != nil {
				t.Fatalf("peer %v seq %v: %v %v after forget", px.me, seq, fate, v)
			}
			px.mu.Lock()
			_, aok := px.acceptors[seq]
			_, vok := px.values[seq]
			px.mu.Unlock()
			if aok || vok {
				t.Fatalf("peer %v still holds state for forgotten seq %v", px.me, seq)
			}
		}
	}

	// a collected instance must never come back
	pxs[0].Start(1, "zombie")
	time.Sleep(100 * time.Millisecond)
	if fate, _ := pxs[0].Status(1); fate != Forgotten {
		t.Fatalf("forgotten instance resurrected: %v", fate)
	}
}

func TestLossyNetwork(t *testing.T) {
	pxs, _ := makeCluster(t, 3, 25*time.Millisecond, transport.Options{
		Loss:   0.15,
		Jitter: 2 * time.Millisecond,
	})

	for seq := 0; seq < 5; seq++ {
		pxs[seq%3].Start(seq, seq)
	}
	for seq := 0; seq < 5; seq++ {
		waitn(t, pxs, seq, 3)
	}
}

// Retries must carry the round through a total outage.
func TestRetryAfterOutage(t *testing.T) {
	pxs, nw := makeCluster(t, 3, 25*time.Millisecond, transport.Options{Loss: 1.0})

	pxs[0].Start(0, "survivor")
	time.Sleep(100 * time.Millisecond)
	if n := ndecided(t, pxs, 0); n != 0 {
		t.Fatalf("decided during total outage")
	}

	nw.SetLoss(0)
	waitn(t, pxs, 0, 3)
}

func TestPartition(t *testing.T) {
	pxs, nw := makeCluster(t, 3, 25*time.Millisecond, transport.Options{})

	nw.Partition(2, 0)
	nw.Partition(2, 1)

	pxs[0].Start(1, "first")
	waitn(t, pxs[:2], 1, 2)

	if fate, _ := pxs[2].Status(1); fate != Pending {
		t.Fatalf("isolated peer reports %v", fate)
	}

	nw.Heal(2, 0)
	nw.Heal(2, 1)

	// the isolated peer proposes its own value; the majority's choice
	// must still win
	pxs[2].Start(1, "second")
	waitn(t, pxs, 1, 3)

	for _, px := range pxs {
		if v := decidedValue(t, px, 1); v != "first" {
			t.Fatalf("peer %v decided %v, majority value lost", px.me, v)
		}
	}
}
