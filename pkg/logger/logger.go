package logger

import (
	"os"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

type LogTopic string

const (
	DClient   LogTopic = "CLNT"
	DCommit   LogTopic = "CMIT"
	DDrop     LogTopic = "DROP"
	DError    LogTopic = "ERRO"
	DInfo     LogTopic = "INFO"
	DProposer LogTopic = "PROP"
	DAcceptor LogTopic = "ACEP"
	DLearner  LogTopic = "LERN"
	DNet      LogTopic = "NETW"
	DTest     LogTopic = "TEST"
	DTimer    LogTopic = "TIMR"
	DTrace    LogTopic = "TRCE"
	DWarn     LogTopic = "WARN"
	DServ     LogTopic = "SERV"
	DCler     LogTopic = "CLER"
	DDupl     LogTopic = "DUPL"
	DTrck     LogTopic = "TRCK"
)

type Logger interface {
	Debug(topic LogTopic, format string, a ...interface{})
}

var (
	lg         *log.Logger
	debugStart time.Time
	verbosity  int
)

func init() {
	verbosity = getVerbosity()
	debugStart = time.Now()

	lg = log.New()
	lg.SetFormatter(&prefixed.TextFormatter{})
	if verbosity >= 1 {
		lg.SetLevel(log.DebugLevel)
	} else {
		lg.SetLevel(log.InfoLevel)
	}
}

// Retrieve the verbosity level from an environment variable
func getVerbosity() int {
	v := os.Getenv("VERBOSE")
	level := 0
	if v != "" {
		var err error
		level, err = strconv.Atoi(v)
		if err != nil {
			log.Fatalf("Invalid verbosity %v", v)
		}
	}
	return level
}

func DebugEnabled() bool {
	return verbosity >= 1
}

func elapsed() int64 {
	return time.Since(debugStart).Milliseconds()
}

// ServerLogger tags every line with a peer index. Pass -1 for
// components that do not belong to a particular peer.
type ServerLogger struct {
	me int
}

func NewServerLogger(me int) *ServerLogger {
	return &ServerLogger{me: me}
}

func (sl *ServerLogger) Debug(topic LogTopic, format string, a ...interface{}) {
	if verbosity < 1 {
		return
	}
	e := lg.WithFields(log.Fields{"topic": string(topic), "ms": elapsed()})
	if sl.me != -1 {
		e = e.WithField("peer", sl.me)
	}
	e.Debugf(format, a...)
}
