package kvstore

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "pxnet/pkg/logger"
	"pxnet/pkg/paxos"
	"pxnet/pkg/transport"
)

const submitTimeout = 2 * time.Second

type Server struct {
	me   int
	dead int32
	px   *paxos.Paxos

	db     Storer[string, string]
	filter Filter[ReqID, *OpResult]

	logger Logger
	done   chan struct{}

	mu       sync.Mutex
	seq      int // highest instance this server has proposed at
	lastAppl int
	wait     map[int]chan *OpResult
}

//
// peers[] names the set of servers that cooperate via the agreement
// protocol to form the fault-tolerant key/value service. me is the
// index of this server in peers[]; node is its attachment point on the
// message fabric. The returned server owns the node's inbound traffic.
//
func StartServer(peers []string, me int, node *transport.Node, logger Logger) *Server {
	kv := &Server{
		me:     me,
		logger: logger,
		done:   make(chan struct{}),
		wait:   make(map[int]chan *OpResult),
		db:     NewMemStore(),
		filter: NewHashFilter[ReqID, *OpResult](),
	}

	kv.px = paxos.Make(peers, me, node, 0, logger)
	node.Attach(kv.px.Deliver)

	go kv.applyLoop()

	return kv
}

func (kv *Server) Get(args *GetArgs, reply *GetReply) error {
	kv.logger.Debug(DServ, "Receive Get request from %d xid %d key %v", shrink(args.Uuid), shrink(args.Xid), args.Key)

	// have I served this request before?
	if served, r, err := kv.filter.Exist(ReqID{args.Uuid, args.Xid}); err == nil && served {
		kv.logger.Debug(DDupl, "Request Get from %d xid %d key %v already served, return ...", shrink(args.Uuid), shrink(args.Xid), args.Key)
		if r.err != nil {
			reply.Err = ErrNoKey
		} else {
			reply.Err = OK
			reply.Value = r.value
		}
		return nil
	}

	r, err := kv.submit(Get, args.Key, "", args.Xid, args.Uuid)
	if err != nil {
		return err
	}
	if r.err != nil {
		kv.logger.Debug(DWarn, "err %v serving Get request for key %v for client %d", r.err, args.Key, shrink(args.Uuid))
		reply.Err = ErrNoKey
		return nil
	}

	kv.logger.Debug(DServ, "Got value %v for key %v for client %d", r.value, args.Key, shrink(args.Uuid))
	reply.Value = r.value
	reply.Err = OK
	return nil
}

func (kv *Server) PutAppend(args *PutAppendArgs, reply *PutAppendReply) error {
	kv.logger.Debug(DServ, "Receive %v request from %d xid %d key %v value %v", args.Op, shrink(args.Uuid), shrink(args.Xid), args.Key, args.Value)

	// have I served this request before?
	if served, _, err := kv.filter.Exist(ReqID{args.Uuid, args.Xid}); err == nil && served {
		kv.logger.Debug(DDupl, "Request %v from %d xid %d key %v value %v already served, return ...",
			args.Op, shrink(args.Uuid), shrink(args.Xid), args.Key, args.Value)
		reply.Err = OK
		return nil
	}

	r, err := kv.submit(args.Op, args.Key, args.Value, args.Xid, args.Uuid)
	if err != nil {
		return err
	}
	if r.err != nil {
		kv.logger.Debug(DWarn, "err %v serving %v request for key %v for client %d", r.err, args.Op, args.Key, shrink(args.Uuid))
		reply.Err = Other
		return nil
	}

	kv.logger.Debug(DServ, "Served %v request for key %v value %v OK for client %d", args.Op, args.Key, args.Value, shrink(args.Uuid))
	reply.Err = OK
	return nil
}

// submit drives one op through agreement: pick a fresh instance, start
// it, wait for the apply loop to reach that instance, and retry at a
// later instance if some other server's op won it.
func (kv *Server) submit(t Type, key string, value string, xid int64, uuid int64) (*OpResult, error) {
	for !kv.isdead() {
		pmax := kv.px.Max() + 1

		kv.mu.Lock()
		if kv.seq < pmax {
			kv.seq = pmax
		} else {
			kv.seq += 1
		}
		s := kv.seq

		// buffered so the apply loop's single notify is never lost to a
		// submitter momentarily in its timeout branch
		ch := make(chan *OpResult, 1)
		kv.wait[s] = ch
		kv.mu.Unlock()

		op := newOp(t, key, value, xid, s, uuid)
		kv.px.Start(s, *op)

		var cmitop *OpResult
		for cmitop == nil {
			select {
			case cmitop = <-ch:
			case <-kv.done:
				return nil, errors.New("got killed")
			case <-time.After(submitTimeout):
				kv.logger.Debug(DError, "Couldn't get agreement for seq %d after %v, try retrieving missing ones", s, submitTimeout)
				go kv.fillHoles(s)
			}
		}

		// is cmitop the op I tried to get agreement on?
		if !op.equal(cmitop.op) {
			kv.logger.Debug(DTrck, "Couldn't get agreement for seq %d, retry with new instance", s)
			continue
		}
		return cmitop, nil
	}
	return nil, errors.New("got killed")
}

func (kv *Server) Kill() {
	if !atomic.CompareAndSwapInt32(&kv.dead, 0, 1) {
		return
	}
	kv.px.Kill()
	close(kv.done)
}

func (kv *Server) isdead() bool {
	return atomic.LoadInt32(&kv.dead) != 0
}

func (kv *Server) applyOp(op *Op) *OpResult {
	// have I installed this op before?
	rid := ReqID{op.Uuid, op.Xid}
	if installed, r, e := kv.filter.Exist(rid); e == nil && installed {
		kv.logger.Debug(DDupl, "Op %v from %d xid %d key %v value %v already installed, return ...",
			op.Type, shrink(op.Uuid), shrink(op.Xid), op.Key, op.Value)
		return r
	}

	var (
		v   string
		err error
	)
	switch op.Type {
	case Get:
		v, err = kv.db.Get(op.Key)
	case Put:
		err = kv.db.Put(op.Key, op.Value)
	case Append:
		err = kv.db.Append(op.Key, op.Value)
	case Nop:
		// fills a hole, mutates nothing, and is never waited on by a
		// client, so it is not recorded in the filter
		return NewOpResult(op, "", nil)
	default:
		panic("unrecognized op")
	}

	or := NewOpResult(op, v, err)
	kv.filter.Record(rid, or)

	return or
}

// applyLoop walks the decided instances in order, applies each op
// exactly once, and releases the memory the protocol holds for them.
func (kv *Server) applyLoop() {
	var (
		to  = 10 * time.Millisecond
		seq = 1
	)

	for !kv.isdead() {
		select {
		case <-kv.done:
			return
		default:
		}

		status, v := kv.px.Status(seq)
		if status == paxos.Decided {
			op, ok := v.(Op)
			if !ok {
				panic("couldn't parse the Op")
			}

			or := kv.applyOp(&op)

			kv.mu.Lock()
			kv.lastAppl = seq
			ch, waiting := kv.wait[seq]
			delete(kv.wait, seq)
			kv.mu.Unlock()

			if waiting {
				select {
				case ch <- or:
				default:
				}
			}

			kv.px.Done(seq)

			seq += 1
			to = 10 * time.Millisecond
			continue
		}

		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
	}
}

// fillHoles proposes no-ops for every unapplied instance below upto, so
// the apply loop can learn what was decided there and move past it.
func (kv *Server) fillHoles(upto int) {
	kv.mu.Lock()
	lastAppl := kv.lastAppl
	kv.mu.Unlock()

	for s := lastAppl + 1; s < upto; s++ {
		op := newOp(Nop, "", "", 0, s, 0)
		kv.px.Start(s, *op)
	}
}

func (kv *Server) LastApplied() int {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	return kv.lastAppl
}

// Min exposes the protocol's forget horizon, mainly for tests.
func (kv *Server) Min() int {
	return kv.px.Min()
}
