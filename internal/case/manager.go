package case_manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"go-net-flow/internal/config"
	"go-net-flow/internal/events"
	"go-net-flow/internal/models"
)

// Manager is the case registry. It owns the spec table and one runner per live
// case; it never touches a runner's state directly, only submits requests to it.
type Manager struct {
	specs        map[string]*models.Net // Spec ID -> root net
	runners      map[string]*Runner     // Case ID -> live runner
	archive      map[string]*models.CaseState
	archiveOrder []string
	closed       bool
	mutex        sync.RWMutex

	cfg       config.EngineConfig
	bus       events.EventBus
	store     CaseStore
	persister *persister
	logger    *slog.Logger
	tracer    trace.Tracer
	meter     metric.MeterProvider
	metrics   *caseMetrics
	now       func() time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithEngineConfig sets the engine policy knobs
func WithEngineConfig(cfg config.EngineConfig) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithEventBus publishes every committed case event on the bus
func WithEventBus(bus events.EventBus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithStore persists a snapshot after every committed case event
func WithStore(store CaseStore) Option {
	return func(m *Manager) { m.store = store }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithTracer sets the tracer used for case request spans
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) { m.tracer = tracer }
}

// WithMeterProvider sets where registry metrics are recorded
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(m *Manager) { m.meter = provider }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a new case manager
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		specs:   make(map[string]*models.Net),
		runners: make(map[string]*Runner),
		archive: make(map[string]*models.CaseState),
		cfg:     config.DefaultConfig().Engine,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.metrics = newCaseMetrics(m.meter)
	if m.store != nil {
		m.persister = newPersister(m.store, m.logger)
	}
	return m
}

// RegisterSpec makes a validated net available for launching cases.
// Re-registering an id replaces the net for new cases; running cases keep theirs.
func (m *Manager) RegisterSpec(spec *models.Net) error {
	if spec == nil {
		return &models.SpecModelError{NetID: "", Problems: []string{"net is nil"}}
	}
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.specs[spec.ID()] = spec
	m.logger.Info("spec registered", "spec_id", spec.ID(), "tasks", len(spec.TaskIDs()), "decompositions", len(spec.Decompositions()))
	return nil
}

// UnregisterSpec removes a spec. It fails while cases of the spec are running.
func (m *Manager) UnregisterSpec(specID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.specs[specID]; !ok {
		return models.NotFoundf("spec %s", specID)
	}
	for id, r := range m.runners {
		if r.spec.ID() == specID {
			return &models.StateTransitionError{Entity: "spec", ID: specID, From: "registered", To: "unregistered", Reason: "case " + id + " is still running"}
		}
	}
	delete(m.specs, specID)
	return nil
}

// Spec returns a registered spec
func (m *Manager) Spec(specID string) (*models.Net, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	spec, ok := m.specs[specID]
	if !ok {
		return nil, models.NotFoundf("spec %s", specID)
	}
	return spec, nil
}

// Specs returns all registered specs ordered by id
func (m *Manager) Specs() []*models.Net {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]*models.Net, 0, len(m.specs))
	for _, id := range sortedKeys(m.specs) {
		out = append(out, m.specs[id])
	}
	return out
}

// LaunchCase starts a case of the spec with the given initial data and runs it
// to its first wait point. The returned id identifies the case from then on.
func (m *Manager) LaunchCase(ctx context.Context, specID string, data map[string]interface{}) (string, error) {
	started := time.Now()
	spec, err := m.Spec(specID)
	if err != nil {
		return "", err
	}
	caseID := uuid.NewString()
	r := newRunner(caseID, spec, m.runnerOptions())
	r.root = r.addNet(caseID, spec, "", nil, models.CopyData(data))

	if err := m.register(r); err != nil {
		r.shutdown()
		return "", err
	}
	m.metrics.caseLaunched(specID)
	r.start()
	err = r.launch(ctx)
	m.metrics.request("launch", started, err)
	if err != nil {
		r.Stop()
		m.mutex.Lock()
		delete(m.runners, caseID)
		m.mutex.Unlock()
		m.metrics.caseFinished(specID, models.CaseStatusCancelled)
		return "", fmt.Errorf("launch case of spec %s: %w", specID, err)
	}
	return caseID, nil
}

// Restore rebuilds a running or suspended case from its persisted state
func (m *Manager) Restore(ctx context.Context, state *models.CaseState) error {
	spec, err := m.Spec(state.SpecID)
	if err != nil {
		return err
	}
	r, err := restoreRunner(spec, state, m.runnerOptions())
	if err != nil {
		return err
	}
	if err := m.register(r); err != nil {
		r.shutdown()
		return err
	}
	m.metrics.caseLaunched(state.SpecID)
	r.start()
	m.logger.InfoContext(ctx, "case restored", "case_id", state.CaseID, "spec_id", state.SpecID, "status", state.Status)
	return nil
}

func (m *Manager) register(r *Runner) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return fmt.Errorf("case manager: %w", models.ErrCaseClosed)
	}
	if _, exists := m.runners[r.caseID]; exists {
		return fmt.Errorf("case with ID %s already exists", r.caseID)
	}
	m.runners[r.caseID] = r
	return nil
}

func (m *Manager) runnerOptions() RunnerOptions {
	return RunnerOptions{
		Config:     m.cfg,
		Logger:     m.logger,
		Tracer:     m.tracer,
		Now:        m.now,
		Publish:    m.publish,
		OnCommit:   m.persist,
		OnTerminal: m.retire,
	}
}

func (m *Manager) publish(ctx context.Context, evs []events.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range evs {
		if err := m.bus.Publish(ctx, ev); err != nil {
			m.logger.WarnContext(ctx, "failed to publish event", "type", ev.Type, "case_id", ev.CaseID, "error", err)
		}
	}
}

func (m *Manager) persist(state *models.CaseState) {
	if m.persister != nil {
		m.persister.enqueue(state)
	}
}

// retire moves a terminated case from the live table to the archive
func (m *Manager) retire(state *models.CaseState) {
	m.mutex.Lock()
	delete(m.runners, state.CaseID)
	if _, ok := m.archive[state.CaseID]; !ok {
		m.archiveOrder = append(m.archiveOrder, state.CaseID)
	}
	m.archive[state.CaseID] = state
	for m.cfg.ArchiveLimit > 0 && len(m.archiveOrder) > m.cfg.ArchiveLimit {
		delete(m.archive, m.archiveOrder[0])
		m.archiveOrder = m.archiveOrder[1:]
	}
	m.mutex.Unlock()
	m.metrics.caseFinished(state.SpecID, state.Status)
}

// runner returns the live runner of a case
func (m *Manager) runner(caseID string) (*Runner, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if r, ok := m.runners[caseID]; ok {
		return r, nil
	}
	if state, ok := m.archive[caseID]; ok {
		return nil, &models.StateTransitionError{Entity: "case", ID: caseID, From: string(state.Status), To: "any", Reason: models.ErrCaseClosed.Error()}
	}
	return nil, models.NotFoundf("case %s", caseID)
}

// runnerForItem finds the runner owning a work item; item ids start with their case id
func (m *Manager) runnerForItem(itemID string) (*Runner, error) {
	caseID, _, ok := strings.Cut(itemID, ":")
	if !ok || caseID == "" {
		return nil, models.NotFoundf("work item %s", itemID)
	}
	return m.runner(caseID)
}

// CancelCase cancels a case and everything running in it
func (m *Manager) CancelCase(ctx context.Context, caseID, reason string) error {
	r, err := m.runner(caseID)
	if err != nil {
		return err
	}
	return r.Cancel(ctx, reason)
}

// SuspendCase suspends a running case
func (m *Manager) SuspendCase(ctx context.Context, caseID string) error {
	r, err := m.runner(caseID)
	if err != nil {
		return err
	}
	return r.Suspend(ctx)
}

// ResumeCase resumes a suspended case
func (m *Manager) ResumeCase(ctx context.Context, caseID string) error {
	r, err := m.runner(caseID)
	if err != nil {
		return err
	}
	return r.Resume(ctx)
}

// GetCaseState returns the last committed state of a live or archived case.
// The returned state is shared and must not be modified.
func (m *Manager) GetCaseState(caseID string) (*models.CaseState, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	if r, ok := m.runners[caseID]; ok {
		return r.State(), nil
	}
	if state, ok := m.archive[caseID]; ok {
		return state, nil
	}
	return nil, models.NotFoundf("case %s", caseID)
}

// ListEnabledWorkItems returns the items a client can start: enabled task items
// and fired instances.
func (m *Manager) ListEnabledWorkItems(caseID string) ([]*models.WorkItem, error) {
	state, err := m.GetCaseState(caseID)
	if err != nil {
		return nil, err
	}
	var out []*models.WorkItem
	for _, item := range state.WorkItems {
		if item.Status == models.WorkItemStatusEnabled || (item.Status == models.WorkItemStatusFired && !item.IsParent()) {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

// ListWorkItems returns the case's work items matching the filter
func (m *Manager) ListWorkItems(caseID string, filter *models.WorkItemFilter) ([]*models.WorkItem, error) {
	state, err := m.GetCaseState(caseID)
	if err != nil {
		return nil, err
	}
	var out []*models.WorkItem
	for _, item := range state.WorkItems {
		if filter == nil || filter.Matches(item) {
			out = append(out, item.Clone())
		}
	}
	return out, nil
}

// GetWorkItem returns the committed state of a work item
func (m *Manager) GetWorkItem(itemID string) (*models.WorkItem, error) {
	caseID, _, _ := strings.Cut(itemID, ":")
	state, err := m.GetCaseState(caseID)
	if err != nil {
		return nil, models.NotFoundf("work item %s", itemID)
	}
	for _, item := range state.WorkItems {
		if item.ID == itemID {
			return item.Clone(), nil
		}
	}
	return nil, models.NotFoundf("work item %s", itemID)
}

// QueryCases returns summaries of live and archived cases matching the filter,
// oldest first
func (m *Manager) QueryCases(filter *models.CaseFilter) []*models.CaseSummary {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var out []*models.CaseSummary
	add := func(state *models.CaseState) {
		if state == nil {
			return
		}
		summary := state.Summary()
		if filter == nil || filter.Matches(summary) {
			out = append(out, summary)
		}
	}
	for _, r := range m.runners {
		add(r.State())
	}
	for _, state := range m.archive {
		add(state)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetCaseStatistics returns statistics about cases
func (m *Manager) GetCaseStatistics() map[string]interface{} {
	summaries := m.QueryCases(nil)
	byStatus := make(map[models.CaseStatus]int)
	bySpec := make(map[string]int)
	var totalDuration time.Duration
	completedCount := 0
	for _, c := range summaries {
		byStatus[c.Status]++
		bySpec[c.SpecID]++
		if c.Status == models.CaseStatusCompleted {
			totalDuration += c.GetDuration()
			completedCount++
		}
	}
	stats := map[string]interface{}{
		"total":       len(summaries),
		"byStatus":    byStatus,
		"bySpec":      bySpec,
		"avgDuration": 0.0,
	}
	if completedCount > 0 {
		stats["avgDuration"] = (totalDuration / time.Duration(completedCount)).Seconds()
	}
	return stats
}

// StartWorkItem starts an enabled or fired work item
func (m *Manager) StartWorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	started := time.Now()
	r, err := m.runnerForItem(itemID)
	if err != nil {
		return nil, err
	}
	item, err := r.StartWorkItem(ctx, itemID)
	m.metrics.request("start_workitem", started, err)
	return item, err
}

// CompleteWorkItem completes an executing work item with output data
func (m *Manager) CompleteWorkItem(ctx context.Context, itemID string, output map[string]interface{}) (*CompleteResult, error) {
	started := time.Now()
	r, err := m.runnerForItem(itemID)
	if err != nil {
		return nil, err
	}
	res, err := r.CompleteWorkItem(ctx, itemID, output)
	m.metrics.request("complete_workitem", started, err)
	return res, err
}

// CancelWorkItem cancels a fired or executing work item
func (m *Manager) CancelWorkItem(ctx context.Context, itemID, reason string) (*models.WorkItem, error) {
	r, err := m.runnerForItem(itemID)
	if err != nil {
		return nil, err
	}
	return r.CancelWorkItem(ctx, itemID, reason)
}

// FailWorkItem fails an executing work item
func (m *Manager) FailWorkItem(ctx context.Context, itemID, reason string) (*models.WorkItem, error) {
	r, err := m.runnerForItem(itemID)
	if err != nil {
		return nil, err
	}
	return r.FailWorkItem(ctx, itemID, reason)
}

// RollbackWorkItem returns an executing work item to fired
func (m *Manager) RollbackWorkItem(ctx context.Context, itemID string) (*models.WorkItem, error) {
	r, err := m.runnerForItem(itemID)
	if err != nil {
		return nil, err
	}
	return r.RollbackWorkItem(ctx, itemID)
}

// AddWorkItemInstance adds an instance to a fired dynamic multi-instance task
func (m *Manager) AddWorkItemInstance(ctx context.Context, parentID string, data map[string]interface{}) (*models.WorkItem, error) {
	r, err := m.runnerForItem(parentID)
	if err != nil {
		return nil, err
	}
	return r.AddWorkItemInstance(ctx, parentID, data)
}

// Close stops every runner, leaving case statuses untouched, and flushes
// pending snapshots to the store.
func (m *Manager) Close(ctx context.Context) error {
	m.mutex.Lock()
	m.closed = true
	runners := make([]*Runner, 0, len(m.runners))
	for _, r := range m.runners {
		runners = append(runners, r)
	}
	m.mutex.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range runners {
		g.Go(func() error {
			stopped := make(chan struct{})
			go func() {
				r.Stop()
				close(stopped)
			}()
			select {
			case <-stopped:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("stop case %s: %w", r.caseID, ctx.Err())
			}
		})
	}
	err := g.Wait()
	if m.persister != nil {
		m.persister.close()
	}
	m.logger.Info("case manager closed", "cases", len(runners))
	return err
}
