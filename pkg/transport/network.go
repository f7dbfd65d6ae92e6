package transport

//
// In-memory message fabric for a fixed set of nodes. It stands in for
// the lossy network the agreement protocol is designed against:
// delivery is asynchronous, unordered across senders, and may drop or
// delay any packet. Payloads are opaque to the fabric.
//

import (
	"math/rand"
	"sync"
	"time"

	. "pxnet/pkg/logger"
)

// Broadcast as a destination means every node except the sender.
const Broadcast = -1

type Packet struct {
	Src     int
	Dst     int
	Payload interface{}
}

// Handler receives one payload per arriving packet. A node's handler
// is invoked serially; a slow handler delays that node only.
type Handler func(payload interface{})

type Options struct {
	// Delay is the base propagation delay; Jitter adds a uniformly
	// random amount on top, which reorders packets between senders.
	Delay  time.Duration
	Jitter time.Duration
	// Loss is the probability in [0,1] that a packet is dropped.
	Loss float64
	// InboxLen bounds each node's receive queue; packets arriving at a
	// full inbox are dropped, like any congested link.
	InboxLen int
}

type Network struct {
	mu      sync.Mutex
	opts    Options
	rng     *rand.Rand
	nodes   []*Node
	blocked map[[2]int]bool
	done    chan struct{}
	closed  bool
	logger  Logger
}

func NewNetwork(n int, opts Options) *Network {
	if opts.InboxLen <= 0 {
		opts.InboxLen = 1024
	}
	nw := &Network{
		opts:    opts,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		blocked: make(map[[2]int]bool),
		done:    make(chan struct{}),
		logger:  NewServerLogger(-1),
	}
	for i := 0; i < n; i++ {
		nw.nodes = append(nw.nodes, &Node{
			id:    i,
			nw:    nw,
			inbox: make(chan Packet, opts.InboxLen),
		})
	}
	return nw
}

func (nw *Network) Size() int {
	return len(nw.nodes)
}

func (nw *Network) Node(i int) *Node {
	return nw.nodes[i]
}

func (nw *Network) SetLoss(p float64) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.opts.Loss = p
}

// Partition blocks traffic between a and b in both directions.
func (nw *Network) Partition(a, b int) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	nw.blocked[[2]int{a, b}] = true
	nw.blocked[[2]int{b, a}] = true
}

func (nw *Network) Heal(a, b int) {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	delete(nw.blocked, [2]int{a, b})
	delete(nw.blocked, [2]int{b, a})
}

// Close stops all delivery. Packets in flight are discarded.
func (nw *Network) Close() {
	nw.mu.Lock()
	defer nw.mu.Unlock()
	if nw.closed {
		return
	}
	nw.closed = true
	close(nw.done)
}

func (nw *Network) deliver(pkt Packet) {
	nw.mu.Lock()
	if nw.closed || nw.blocked[[2]int{pkt.Src, pkt.Dst}] {
		nw.mu.Unlock()
		return
	}
	if nw.opts.Loss > 0 && nw.rng.Float64() < nw.opts.Loss {
		nw.mu.Unlock()
		nw.logger.Debug(DNet, "drop packet %d -> %d", pkt.Src, pkt.Dst)
		return
	}
	delay := nw.opts.Delay
	if nw.opts.Jitter > 0 {
		delay += time.Duration(nw.rng.Int63n(int64(nw.opts.Jitter)))
	}
	nw.mu.Unlock()

	if delay > 0 {
		time.AfterFunc(delay, func() { nw.enqueue(pkt) })
	} else {
		nw.enqueue(pkt)
	}
}

func (nw *Network) enqueue(pkt Packet) {
	nw.mu.Lock()
	if nw.closed {
		nw.mu.Unlock()
		return
	}
	inbox := nw.nodes[pkt.Dst].inbox
	nw.mu.Unlock()

	select {
	case inbox <- pkt:
	default:
		nw.logger.Debug(DNet, "inbox full, drop packet %d -> %d", pkt.Src, pkt.Dst)
	}
}

// Node is one attachment point on the fabric.
type Node struct {
	id    int
	nw    *Network
	inbox chan Packet
}

func (n *Node) ID() int {
	return n.id
}

// Attach registers the delivery callback and starts the pump. Call it
// exactly once, before any traffic is sent to this node.
func (n *Node) Attach(h Handler) {
	go func() {
		for {
			select {
			case <-n.nw.done:
				return
			case pkt := <-n.inbox:
				h(pkt.Payload)
			}
		}
	}()
}

// Broadcast enqueues the payload for every other node. The sender is
// expected to hand a copy to its own handler directly.
func (n *Node) Broadcast(payload interface{}) {
	for _, m := range n.nw.nodes {
		if m.id == n.id {
			continue
		}
		n.nw.deliver(Packet{Src: n.id, Dst: m.id, Payload: payload})
	}
}

// Send enqueues the payload for one node. Sending to self is a no-op.
func (n *Node) Send(payload interface{}, dst int) {
	if dst == n.id || dst < 0 || dst >= len(n.nw.nodes) {
		return
	}
	n.nw.deliver(Packet{Src: n.id, Dst: dst, Payload: payload})
}
