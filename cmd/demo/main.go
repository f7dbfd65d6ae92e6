package main

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"pxnet/pkg/kvstore"
	"pxnet/pkg/logger"
	"pxnet/pkg/transport"
)

const nservers = 3

func init() {
	log.SetFormatter(&prefixed.TextFormatter{})
	log.SetLevel(log.InfoLevel)
}

func main() {
	// a deliberately unfriendly fabric: latency, reordering, and a bit
	// of loss, so the retry machinery actually has work to do
	nw := transport.NewNetwork(nservers, transport.Options{
		Delay:  2 * time.Millisecond,
		Jitter: 3 * time.Millisecond,
		Loss:   0.05,
	})
	defer nw.Close()

	peers := make([]string, nservers)
	srvs := make([]*kvstore.Server, nservers)
	for i := 0; i < nservers; i++ {
		peers[i] = fmt.Sprintf("peer-%d", i)
	}
	for i := 0; i < nservers; i++ {
		srvs[i] = kvstore.StartServer(peers, i, nw.Node(i), logger.NewServerLogger(i))
	}
	defer func() {
		for _, kv := range srvs {
			kv.Kill()
		}
	}()

	ck := kvstore.MakeClerk(srvs)

	ck.Put("lang", "go")
	log.Infof("lang = %v", ck.Get("lang"))

	for i := 0; i < 5; i++ {
		ck.Append("log", fmt.Sprintf("[entry-%d]", i))
	}
	log.Infof("log = %v", ck.Get("log"))

	ck.Put("lang", "golang")
	log.Infof("lang = %v", ck.Get("lang"))

	for i, kv := range srvs {
		log.Infof("server %d applied through %d, forgotten below %d", i, kv.LastApplied(), kv.Min())
	}
}
