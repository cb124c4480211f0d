package channel

import (
	"sync"
	"sync/atomic"

	"xbridge/protocol"

	"go.uber.org/zap"
)

type frameEntry struct {
	kind   protocol.Kind
	id     uint32
	iface  string
	method string
	size   int
}

// frameLog records sent frames without ever blocking the sender: entries go
// through a bounded queue and are dropped (and counted) when it is full.
type frameLog struct {
	entries chan frameEntry
	quit    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	logger  *zap.Logger
	metrics *Metrics
}

func newFrameLog(size int, logger *zap.Logger, metrics *Metrics) *frameLog {
	return &frameLog{
		entries: make(chan frameEntry, size),
		quit:    make(chan struct{}),
		logger:  logger.Named("frames"),
		metrics: metrics,
	}
}

func (l *frameLog) record(e frameEntry) {
	select {
	case l.entries <- e:
	default:
		l.dropped.Add(1)
		l.metrics.logDropped()
	}
}

func (l *frameLog) run() {
	for {
		select {
		case e := <-l.entries:
			l.write(e)
		case <-l.quit:
			if n := l.dropped.Load(); n > 0 {
				l.logger.Debug("Frame log entries dropped", zap.Uint64("count", n))
			}
			return
		}
	}
}

func (l *frameLog) write(e frameEntry) {
	if ce := l.logger.Check(zap.DebugLevel, "Frame sent"); ce != nil {
		ce.Write(
			zap.Stringer("kind", e.kind),
			zap.Uint32("id", e.id),
			zap.String("interface", e.iface),
			zap.String("method", e.method),
			zap.Int("size", e.size))
	}
}

func (l *frameLog) stop() {
	l.once.Do(func() { close(l.quit) })
}
