package audit

import (
	"log/slog"
	"sync"
	"time"
)

// Pipeline fans audit entries out to every configured sink asynchronously.
// Entries are buffered on a bounded channel; when the channel is full, new
// entries are dropped (and counted) rather than blocking the request path,
// since audit delivery must never become the gateway's bottleneck.
type Pipeline struct {
	sinks       []Sink
	rules       []PatternRule
	entries     chan Entry
	batchSize   int
	flushEvery  time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
	stopOnce    sync.Once
	stopChan    chan struct{}
	droppedMu   sync.Mutex
	droppedSeen int64
}

// Config configures a Pipeline.
type Config struct {
	Sinks      []Sink
	Rules      []PatternRule
	QueueSize  int
	BatchSize  int
	FlushEvery time.Duration
	Logger     *slog.Logger
}

// NewPipeline builds and starts a Pipeline. Call Close to flush and stop it.
func NewPipeline(cfg Config) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{
		sinks:      cfg.Sinks,
		rules:      cfg.Rules,
		entries:    make(chan Entry, cfg.QueueSize),
		batchSize:  cfg.BatchSize,
		flushEvery: cfg.FlushEvery,
		logger:     logger,
		stopChan:   make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Record enqueues an entry for async delivery, redacting it first. If the
// queue is full, the entry is dropped and a counter is incremented; this
// is logged periodically rather than per-drop to avoid a logging storm
// under sustained overload.
func (p *Pipeline) Record(e Entry) {
	e = RedactEntry(e, p.rules)
	select {
	case p.entries <- e:
	default:
		p.droppedMu.Lock()
		p.droppedSeen++
		dropped := p.droppedSeen
		p.droppedMu.Unlock()
		if dropped == 1 || dropped%100 == 0 {
			p.logger.Warn("audit pipeline queue full, dropping entries", "dropped_total", dropped)
		}
	}
}

// Dropped returns the total number of entries dropped due to a full queue.
func (p *Pipeline) Dropped() int64 {
	p.droppedMu.Lock()
	defer p.droppedMu.Unlock()
	return p.droppedSeen
}

func (p *Pipeline) run() {
	defer p.wg.Done()

	batch := make([]Entry, 0, p.batchSize)
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.deliver(batch)
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-p.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= p.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-p.stopChan:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case e := <-p.entries:
					batch = append(batch, e)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (p *Pipeline) deliver(batch []Entry) {
	for _, sink := range p.sinks {
		if err := sink.Write(batch); err != nil {
			p.logger.Error("audit sink write failed", "error", err)
		}
	}
}

// Close stops the pipeline, flushing any buffered entries, and closes
// every sink. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})
	p.wg.Wait()

	var firstErr error
	for _, sink := range p.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
