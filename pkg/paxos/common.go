package paxos

type Fate int

const (
	Decided   Fate = iota + 1
	Pending        // not yet decided.
	Forgotten      // decided but forgotten.
)

// Np is a proposal number with the minting peer's identity embedded.
// Two peers proposing concurrently for the same instance can never
// mint the same number, so acceptors always have a total order to
// judge by.
type Np struct {
	N int32 // proposal counter
	S int   // minting server, breaks ties
}

func NewNp(s int) Np {
	return Np{S: s, N: 0}
}

// Increase returns a number strictly greater than n, minted by s.
func (n Np) Increase(s int) Np {
	n.S = s
	n.N += 1
	return n
}

// IsZero reports whether n is the "never accepted" sentinel.
func (n Np) IsZero() bool {
	return n.N == 0
}

func (n Np) LessThan(o Np) bool {
	return n.N < o.N || (n.N == o.N && n.S < o.S)
}

func (n Np) LessThanOrEqual(o Np) bool {
	return !n.GreaterThan(o)
}

func (n Np) GreaterThan(o Np) bool {
	return n.N > o.N || (n.N == o.N && n.S > o.S)
}

func (n Np) GreaterThanOrEqual(o Np) bool {
	return !n.LessThan(o)
}

type MsgKind int32

const (
	PrepareRequest MsgKind = iota + 1
	PrepareReply
	AcceptRequest
	AcceptReply
	DecidedRequest
)

func (k MsgKind) String() string {
	switch k {
	case PrepareRequest:
		return "PrepareRequest"
	case PrepareReply:
		return "PrepareReply"
	case AcceptRequest:
		return "AcceptRequest"
	case AcceptReply:
		return "AcceptReply"
	case DecidedRequest:
		return "DecidedRequest"
	}
	return "INVALID"
}

// ToAll as a destination addresses every peer including the sender;
// the sender's copy is handed to its own dispatcher directly rather
// than through the network.
const ToAll = -1

// Message is the single wire shape exchanged between peers. Kind
// selects which fields are meaningful:
//
//	PrepareRequest: N
//	PrepareReply:   Ok, N (na on ok, the acceptor's np on reject), V (va)
//	AcceptRequest:  N, V
//	AcceptReply:    Ok
//	DecidedRequest: V, Sender, DoneSeq
//
// Every message carries the instance number, the sender, and the
// round token of the proposer attempt it belongs to. Messages are
// immutable once sent; acceptors echo the request's token into their
// replies so the proposer can tell live replies from abandoned ones.
type Message struct {
	Kind  MsgKind
	Seq   int
	From  int
	To    int
	Token uint64

	N  Np
	Ok bool
	V  interface{}

	Sender  int
	DoneSeq int
}

// Network is what a peer needs from the substrate that carries its
// messages. Delivery is best-effort: unordered, unacknowledged, and
// both calls must never block.
type Network interface {
	Broadcast(payload interface{})
	Send(payload interface{}, dst int)
}
