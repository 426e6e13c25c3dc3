package journal

import (
	"log"
	"sync"
	"time"
)

// Service is the write-behind front of the journal: Record enqueues without
// blocking the cycle, a background loop batches records into the Repo.
type Service struct {
	repo *Repo

	queue         chan CycleRecord
	flushInterval time.Duration
	batchSize     int

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	mu      sync.Mutex
	dropped int64
}

// ServiceOptions tunes the write-behind queue. Zero values get defaults.
type ServiceOptions struct {
	QueueSize     int
	FlushInterval time.Duration
	BatchSize     int
}

// NewService wraps repo and starts the flush loop.
func NewService(repo *Repo, opts ServiceOptions) *Service {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	s := &Service{
		repo:          repo,
		queue:         make(chan CycleRecord, opts.QueueSize),
		flushInterval: opts.FlushInterval,
		batchSize:     opts.BatchSize,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go s.run()
	return s
}

// Record enqueues a cycle record. When the queue is full the record is
// dropped rather than stalling the caller.
func (s *Service) Record(rec CycleRecord) {
	select {
	case s.queue <- rec:
	default:
		s.mu.Lock()
		s.dropped++
		n := s.dropped
		s.mu.Unlock()
		log.Printf("[journal] queue full, dropped cycle %q (%d dropped total)", rec.ID, n)
	}
}

// Dropped reports how many records were discarded due to a full queue.
func (s *Service) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// List proxies to the repo.
func (s *Service) List(f ListFilter) ([]CycleRecord, error) {
	return s.repo.ListCycles(f)
}

// Stop drains the queue, flushes remaining records and closes the repo.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		if err := s.repo.Close(); err != nil {
			log.Printf("[journal] close: %v", err)
		}
	})
}

func (s *Service) run() {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]CycleRecord, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if _, err := s.repo.InsertBatch(batch); err != nil {
			log.Printf("[journal] flush %d records: %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-s.queue:
			batch = append(batch, rec)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.stopCh:
			for {
				select {
				case rec := <-s.queue:
					batch = append(batch, rec)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}
