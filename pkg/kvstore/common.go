package kvstore

type Err string

const (
	OK       Err = "OK"
	ErrNoKey     = "ErrNoKey"
	Other        = "Other"
)

// Put or Append
type PutAppendArgs struct {
	Key   string
	Value string
	Op    Type // "Put" or "Append"
	Uuid  int64
	Xid   int64
}

type PutAppendReply struct {
	Err Err
}

type GetArgs struct {
	Key  string
	Uuid int64
	Xid  int64
}

type GetReply struct {
	Err   Err
	Value string
}

func shrink(x int64) int64 {
	return x % 10000
}

type Type string

const (
	Get    Type = "Get"
	Put         = "Put"
	Append      = "Append"
	Nop         = "Nop"
)

// Op is the value the servers agree on. Seq is the instance the op was
// proposed at; two proposals of the same request at different instances
// still compare equal.
type Op struct {
	Type  Type
	Key   string
	Value string
	Xid   int64
	Uuid  int64
	Seq   int
}

func (o *Op) equal(other *Op) bool {
	return o.Type == other.Type && o.Key == other.Key && o.Value == other.Value && o.Xid == other.Xid && o.Uuid == other.Uuid
}

func newOp(t Type, key string, value string, xid int64, seq int, uuid int64) *Op {
	return &Op{Type: t, Key: key, Value: value, Xid: xid, Seq: seq, Uuid: uuid}
}

type OpResult struct {
	op    *Op
	value string
	err   error
}

func NewOpResult(op *Op, value string, err error) *OpResult {
	return &OpResult{op: op, value: value, err: err}
}

// ReqID identifies one client request for duplicate detection.
type ReqID struct {
	Uuid int64
	Xid  int64
}
