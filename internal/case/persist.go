package case_manager

import (
	"context"
	"log/slog"
	"sync"

	"go-net-flow/internal/models"
)

// CaseStore is the persistence collaborator. Saves happen after the case event
// committed and never inside a runner's critical section.
type CaseStore interface {
	SaveCase(ctx context.Context, state *models.CaseState) error
}

// persister writes snapshots in the background. Only the newest snapshot of a
// case is kept while a write is outstanding, so a slow store sees fewer writes
// but never an older state after a newer one.
type persister struct {
	store   CaseStore
	logger  *slog.Logger
	mu      sync.Mutex
	pending map[string]*models.CaseState
	order   []string
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newPersister(store CaseStore, logger *slog.Logger) *persister {
	p := &persister{
		store:   store,
		logger:  logger,
		pending: make(map[string]*models.CaseState),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *persister) enqueue(state *models.CaseState) {
	p.mu.Lock()
	if _, queued := p.pending[state.CaseID]; !queued {
		p.order = append(p.order, state.CaseID)
	}
	p.pending[state.CaseID] = state
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *persister) run() {
	defer close(p.done)
	for {
		select {
		case <-p.wake:
			p.flush()
		case <-p.quit:
			p.flush()
			return
		}
	}
}

func (p *persister) flush() {
	p.mu.Lock()
	batch := make([]*models.CaseState, 0, len(p.order))
	for _, id := range p.order {
		batch = append(batch, p.pending[id])
	}
	p.pending = make(map[string]*models.CaseState)
	p.order = nil
	p.mu.Unlock()

	for _, state := range batch {
		if err := p.store.SaveCase(context.Background(), state); err != nil {
			p.logger.Error("failed to persist case", "case_id", state.CaseID, "status", state.Status, "error", err)
		}
	}
}

// close writes whatever is still queued and stops the writer
func (p *persister) close() {
	p.once.Do(func() { close(p.quit) })
	<-p.done
}
