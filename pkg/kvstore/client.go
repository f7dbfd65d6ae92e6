package kvstore

import (
	"crypto/rand"
	"math/big"
	"sync/atomic"
	"time"

	. "pxnet/pkg/logger"
)

type Clerk struct {
	servers []*Server
	uuid    int64
	xid     int64
	l       Logger
}

func nrand() int64 {
	max := big.NewInt(int64(1) << 62)
	bigx, _ := rand.Int(rand.Reader, max)
	return bigx.Int64()
}

func MakeClerk(servers []*Server) *Clerk {
	ck := new(Clerk)
	ck.servers = servers
	ck.uuid = nrand()
	ck.l = NewServerLogger(int(shrink(ck.uuid)))
	return ck
}

//
// fetch the current value for a key.
// returns "" if the key does not exist.
// keeps trying forever in the face of all other errors.
//
func (ck *Clerk) Get(key string) string {
	xid := atomic.AddInt64(&ck.xid, 1)
	args := GetArgs{Key: key, Uuid: ck.uuid, Xid: xid}

	ck.l.Debug(DCler, "Request Get for key: %v xid %d", key, shrink(xid))

	for {
		for _, srv := range ck.servers {
			reply := GetReply{}
			if err := srv.Get(&args, &reply); err == nil && (reply.Err == OK || reply.Err == ErrNoKey) {
				ck.l.Debug(DCler, "Request Get for key: %v xid %d OK with value %v", key, shrink(xid), reply.Value)
				return reply.Value
			}
			ck.l.Debug(DCler, "Request Get for key: %v xid %d failed with err %v", key, shrink(xid), reply.Err)

			time.Sleep(10 * time.Millisecond)
		}
	}
}

//
// shared by Put and Append.
//
func (ck *Clerk) PutAppend(key string, value string, op Type) {
	xid := atomic.AddInt64(&ck.xid, 1)
	args := PutAppendArgs{Key: key, Uuid: ck.uuid, Xid: xid, Op: op, Value: value}

	ck.l.Debug(DCler, "Request %v for key: %v value: %v xid %d", op, key, value, shrink(xid))

	for {
		for _, srv := range ck.servers {
			reply := PutAppendReply{}
			if err := srv.PutAppend(&args, &reply); err == nil && reply.Err == OK {
				ck.l.Debug(DCler, "Request %v for key: %v value: %v xid %d OK", op, key, value, shrink(xid))
				return
			}
			ck.l.Debug(DCler, "Request %v for key: %v value: %v xid %d failed with err %v", op, key, value, shrink(xid), reply.Err)

			time.Sleep(10 * time.Millisecond)
		}
	}
}

func (ck *Clerk) Put(key string, value string) {
	ck.PutAppend(key, value, Put)
}

func (ck *Clerk) Append(key string, value string) {
	ck.PutAppend(key, value, Append)
}
