package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"licensegate/internal/infrastructure"
	"licensegate/pkg/contracts/domain"
)

// Shipper delivers a batch of entries to the ingest endpoint.
type Shipper interface {
	Ship(ctx context.Context, entries []domain.AuditEntry) error
}

// ShipperFunc adapts a function to the Shipper interface.
type ShipperFunc func(ctx context.Context, entries []domain.AuditEntry) error

func (f ShipperFunc) Ship(ctx context.Context, entries []domain.AuditEntry) error {
	return f(ctx, entries)
}

// BatcherConfig tunes the queueing behavior.
type BatcherConfig struct {
	BatchSize     int
	FlushInterval time.Duration
	QueueCapacity int
	// SpillPath persists undelivered entries across restarts. Empty
	// disables spilling.
	SpillPath string
	// SpillBatches caps the spill file at this many batches.
	SpillBatches int
}

func (c *BatcherConfig) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 256
	}
	if c.SpillBatches <= 0 {
		c.SpillBatches = 20
	}
}

// Batcher collects audit entries and ships them in batches: when the batch
// size is reached, on the flush ticker, or on ForceFlush. Network-class
// delivery failures keep the batch at the head of the pending buffer so
// ordering survives retries; any other failure will not heal on its own, so
// the pending entries are spilled to disk at once instead of being retried.
// Close drains what it can and spills the rest; spilled entries are
// reloaded on the next start.
type Batcher struct {
	cfg     BatcherConfig
	shipper Shipper
	log     *slog.Logger

	queue    chan domain.AuditEntry
	flushReq chan chan error
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	dropped int
}

// NewBatcher starts the drain goroutine. Entries spilled by a previous run
// are reloaded into the pending buffer before new entries are accepted.
func NewBatcher(cfg BatcherConfig, shipper Shipper) *Batcher {
	cfg.defaults()
	b := &Batcher{
		cfg:      cfg,
		shipper:  shipper,
		log:      infrastructure.GetLogger().With("component", "audit_batcher"),
		queue:    make(chan domain.AuditEntry, cfg.QueueCapacity),
		flushReq: make(chan chan error),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	pending := b.loadSpill()
	go b.drain(pending)
	return b
}

// Log enqueues an entry without blocking. When the queue is full the entry
// is dropped and counted; audit logging must never stall the caller.
func (b *Batcher) Log(e domain.AuditEntry) {
	e.Payload = SanitizePayload(e.Payload)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	select {
	case b.queue <- e:
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		b.log.Warn("audit queue full, entry dropped",
			slog.String("event_type", string(e.EventType)),
			slog.Int("dropped_total", n))
	}
}

// Dropped reports how many entries were discarded because the queue was full.
func (b *Batcher) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// ForceFlush ships everything currently buffered and returns the delivery
// error, if any.
func (b *Batcher) ForceFlush(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case b.flushReq <- reply:
	case <-b.stop:
		return errors.New("audit batcher closed")
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the drain goroutine, attempts a final flush, and spills
// undelivered entries to disk.
func (b *Batcher) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done
}

func (b *Batcher) drain(pending []domain.AuditEntry) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() error {
		for len(pending) > 0 {
			n := b.cfg.BatchSize
			if n > len(pending) {
				n = len(pending)
			}
			batch := pending[:n]
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := b.shipper.Ship(ctx, batch)
			cancel()
			if err == nil {
				pending = pending[n:]
				continue
			}
			if isNetworkError(err) {
				// The failed batch stays at the head for the next attempt.
				// The buffer cannot grow without bound while the network is
				// down: the oldest overflow moves to the spill file.
				if max := b.cfg.SpillBatches * b.cfg.BatchSize; len(pending) > max {
					if b.spill(pending[:len(pending)-max]) {
						pending = pending[len(pending)-max:]
					}
				}
				return err
			}
			// Not a transport problem; retrying would fail the same way.
			if b.spill(pending) {
				pending = nil
				return err
			}
			b.mu.Lock()
			b.dropped += n
			dropped := b.dropped
			b.mu.Unlock()
			b.log.Warn("audit batch dropped after non-retryable failure",
				slog.Int("dropped_total", dropped),
				slog.String("error", err.Error()))
			pending = pending[n:]
		}
		return nil
	}

	for {
		select {
		case e := <-b.queue:
			pending = append(pending, e)
			if len(pending) >= b.cfg.BatchSize {
				if err := flush(); err != nil {
					b.log.Warn("audit batch delivery failed, will retry",
						slog.Int("pending", len(pending)),
						slog.String("error", err.Error()))
				}
			}
		case <-ticker.C:
			if err := flush(); err != nil {
				b.log.Warn("audit batch delivery failed, will retry",
					slog.Int("pending", len(pending)),
					slog.String("error", err.Error()))
			}
		case reply := <-b.flushReq:
			pending = append(pending, drainQueue(b.queue)...)
			reply <- flush()
		case <-b.stop:
			pending = append(pending, drainQueue(b.queue)...)
			if err := flush(); err != nil {
				b.spill(pending)
			}
			return
		}
	}
}

func drainQueue(q chan domain.AuditEntry) []domain.AuditEntry {
	var out []domain.AuditEntry
	for {
		select {
		case e := <-q:
			out = append(out, e)
		default:
			return out
		}
	}
}

// isNetworkError reports whether a delivery failure is worth retrying:
// transport-level errors and timeouts heal when connectivity returns,
// anything else (bad payload, server rejection) fails the same way forever.
func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}

// spill appends entries to the spill file, keeping only the newest
// SpillBatches*BatchSize. Returns whether the entries were persisted.
func (b *Batcher) spill(pending []domain.AuditEntry) bool {
	if b.cfg.SpillPath == "" || len(pending) == 0 {
		return false
	}
	if data, err := os.ReadFile(b.cfg.SpillPath); err == nil {
		var prior []domain.AuditEntry
		if json.Unmarshal(data, &prior) == nil {
			pending = append(prior, pending...)
		}
	}
	max := b.cfg.SpillBatches * b.cfg.BatchSize
	if len(pending) > max {
		pending = pending[len(pending)-max:]
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return false
	}
	if dir := filepath.Dir(b.cfg.SpillPath); dir != "." {
		_ = os.MkdirAll(dir, 0o755)
	}
	if err := os.WriteFile(b.cfg.SpillPath, data, 0o600); err != nil {
		b.log.Warn("audit spill write failed", slog.String("error", err.Error()))
		return false
	}
	b.log.Info("audit entries spilled to disk", slog.Int("count", len(pending)))
	return true
}

func (b *Batcher) loadSpill() []domain.AuditEntry {
	if b.cfg.SpillPath == "" {
		return nil
	}
	data, err := os.ReadFile(b.cfg.SpillPath)
	if err != nil {
		return nil
	}
	var pending []domain.AuditEntry
	if err := json.Unmarshal(data, &pending); err != nil {
		_ = os.Remove(b.cfg.SpillPath)
		return nil
	}
	_ = os.Remove(b.cfg.SpillPath)
	b.log.Info("reloaded spilled audit entries", slog.Int("count", len(pending)))
	return pending
}
