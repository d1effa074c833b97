package proxy

import (
	"time"

	"github.com/rs/zerolog"

	"silexa/substrate/internal/metrics"
)

// AuditRecord is the rejection record emitted whenever
// a request's destination does not match the whitelist.
type AuditRecord struct {
	ContainerID string
	Host        string
	Method      string
	Timestamp   time.Time
}

// AuditSink collects audit records from every per-container proxy
// connection goroutine into one consumer: one producer per connection,
// a single MPSC sink. One goroutine drains the channel and logs
// structured events;
// producers never block on a slow consumer past the buffer.
type AuditSink struct {
	records chan AuditRecord
	log     zerolog.Logger
	done    chan struct{}
}

// NewAuditSink starts the consumer goroutine. Call Close to drain and stop
// it during shutdown.
func NewAuditSink(log zerolog.Logger) *AuditSink {
	s := &AuditSink{
		records: make(chan AuditRecord, 1024),
		log:     log.With().Str("subsystem", "proxy_audit").Logger(),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AuditSink) run() {
	defer close(s.done)
	for rec := range s.records {
		s.log.Warn().
			Str("container_id", rec.ContainerID).
			Str("host", rec.Host).
			Str("method", rec.Method).
			Time("timestamp", rec.Timestamp).
			Msg("egress denied by whitelist")
		metrics.ProxyAuditTotal.WithLabelValues("denied").Inc()
	}
}

// Record enqueues an audit record without blocking the caller; a full
// buffer drops the oldest entry rather than stalling the proxy's request
// path.
func (s *AuditSink) Record(rec AuditRecord) {
	select {
	case s.records <- rec:
	default:
		s.log.Warn().Msg("audit sink buffer full, dropping oldest audit record")
		select {
		case <-s.records:
		default:
		}
		select {
		case s.records <- rec:
		default:
		}
	}
}

// RecordAllowed increments the allowed-outcome counter without going
// through the audit channel: allowed requests are high volume and do not
// need a structured log line, only the metric.
func (s *AuditSink) RecordAllowed() {
	metrics.ProxyAuditTotal.WithLabelValues("allowed").Inc()
}

// Close stops accepting new records and waits for the drain to finish.
func (s *AuditSink) Close() {
	close(s.records)
	<-s.done
}
