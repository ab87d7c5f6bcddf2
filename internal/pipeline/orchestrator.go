// Package pipeline drives one session's metrics through decomposition,
// research, synthesis, validation and progress, owning the revision loop
// and the run's state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ziadkadry99/kinesight/internal/audit"
	"github.com/ziadkadry99/kinesight/internal/clinic"
	"github.com/ziadkadry99/kinesight/internal/embeddings"
	"github.com/ziadkadry99/kinesight/internal/llm"
	"github.com/ziadkadry99/kinesight/internal/metrics"
	"github.com/ziadkadry99/kinesight/internal/registry"
)

// SessionSource gives read access to computed session metrics. The
// orchestrator never writes to it.
type SessionSource interface {
	Session(ctx context.Context, id string) (*metrics.SessionMetrics, error)
	// History returns the patient's sessions recorded before the given
	// time, oldest first.
	History(ctx context.Context, patientID string, before time.Time) ([]metrics.SessionMetrics, error)
}

// Options wires an Orchestrator. Sessions and Invoker are required.
type Options struct {
	Sessions SessionSource
	Invoker  *llm.Invoker
	Registry *registry.Registry
	Cache    EvidenceCache
	Embedder embeddings.Embedder
	// Searcher handles patterns the cache cannot cover. Defaults to a
	// GenerativeSearcher over Invoker.
	Searcher Searcher
	States   *StateStore
	Audit    *audit.Store
	Logger   *slog.Logger
	// Concurrency bounds the research fan-out.
	Concurrency int
	// EmbedTimeout bounds each embedding call. Expiry degrades the pattern
	// to cache-unavailable and escalates it to search.
	EmbedTimeout time.Duration
	// Clinic frames decomposition and synthesis for the practice.
	Clinic *clinic.Profile
	// Notifier, when set, hears about every run that finishes.
	Notifier Notifier
}

// Notifier receives the terminal state of each run. It is called on the run's
// goroutine before waiters are released.
type Notifier interface {
	PipelineFinished(ctx context.Context, st *State)
}

const (
	defaultConcurrency  = 4
	defaultEmbedTimeout = 30 * time.Second
	watchBuffer         = 32
	actorOrchestrator   = "orchestrator"
)

var (
	// ErrInFlight is returned by Run when the session already has a live run.
	ErrInFlight = errors.New("pipeline already running for session")
	// ErrClosed is returned once the orchestrator has been closed.
	ErrClosed = errors.New("orchestrator closed")
)

// Orchestrator runs pipelines. At most one run per session id is live at a
// time; a second trigger while one is in flight is a no-op.
type Orchestrator struct {
	sessions SessionSource
	invoker  *llm.Invoker
	reg      *registry.Registry
	practice string
	research *researcher
	states   *StateStore
	audit    *audit.Store
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	base context.Context
	stop context.CancelFunc

	mu        sync.Mutex
	closed    bool
	live      map[string]*State
	runs      map[string]*run
	watchers  map[string]map[int]chan *State
	nextWatch int
	wg        sync.WaitGroup
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Sessions == nil {
		return nil, errors.New("pipeline: a session source is required")
	}
	if opts.Invoker == nil {
		return nil, errors.New("pipeline: a generative invoker is required")
	}
	if opts.Registry == nil {
		opts.Registry = registry.Default()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.EmbedTimeout <= 0 {
		opts.EmbedTimeout = defaultEmbedTimeout
	}
	if opts.Searcher == nil {
		opts.Searcher = NewGenerativeSearcher(opts.Invoker)
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		sessions: opts.Sessions,
		invoker:  opts.Invoker,
		reg:      opts.Registry,
		practice: opts.Clinic.PromptSection(),
		research: &researcher{
			cache:        opts.Cache,
			embedder:     opts.Embedder,
			searcher:     opts.Searcher,
			concurrency:  opts.Concurrency,
			embedTimeout: opts.EmbedTimeout,
			logger:       opts.Logger,
		},
		states:   opts.States,
		audit:    opts.Audit,
		notifier: opts.Notifier,
		logger:   opts.Logger,
		now:      time.Now,
		base:     base,
		stop:     stop,
		live:     make(map[string]*State),
		runs:     make(map[string]*run),
		watchers: make(map[string]map[int]chan *State),
	}, nil
}

// Trigger starts a background run unless one is in flight or the session
// already completed. It reports whether a run was started.
func (o *Orchestrator) Trigger(ctx context.Context, sessionID string) (bool, error) {
	return o.start(ctx, sessionID, false)
}

// Retrigger starts a fresh background run unless one is in flight,
// discarding any previous result.
func (o *Orchestrator) Retrigger(ctx context.Context, sessionID string) (bool, error) {
	return o.start(ctx, sessionID, true)
}

func (o *Orchestrator) start(ctx context.Context, sessionID string, force bool) (bool, error) {
	if sessionID == "" {
		return false, errors.New("session id is required")
	}
	if !force {
		if st, ok := o.Status(ctx, sessionID); ok && st.Status == StatusComplete {
			return false, nil
		}
	}

	runCtx, cancel := context.WithCancel(o.base)
	st, r, err := o.register(sessionID, cancel)
	if err != nil || st == nil {
		cancel()
		return false, err
	}
	o.begin(ctx, st, force)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.execute(runCtx, st, r)
	}()
	return true, nil
}

// Run executes a pipeline synchronously and returns its final state. A
// failed run returns the state together with its *StageError.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) (*State, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	st, r, err := o.register(sessionID, cancel)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: %s", ErrInFlight, sessionID)
	}
	o.begin(ctx, st, false)

	serr := o.execute(runCtx, st, r)
	final := o.snapshot(st)
	if serr != nil {
		return final, serr
	}
	return final, nil
}

// register claims the session for a new run. A nil state means a run is
// already in flight.
func (o *Orchestrator) register(sessionID string, cancel context.CancelFunc) (*State, *run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, nil, ErrClosed
	}
	if _, busy := o.runs[sessionID]; busy {
		return nil, nil, nil
	}
	now := o.now().UTC()
	st := &State{
		SessionID: sessionID,
		Status:    StatusPending,
		StartedAt: now,
		UpdatedAt: now,
	}
	r := &run{cancel: cancel, done: make(chan struct{})}
	o.runs[sessionID] = r
	o.live[sessionID] = st
	return st, r, nil
}

func (o *Orchestrator) begin(ctx context.Context, st *State, retrigger bool) {
	summary := "Pipeline triggered"
	if retrigger {
		summary = "Pipeline re-triggered"
	}
	o.logger.Info("pipeline triggered", "session_id", st.SessionID, "retrigger", retrigger)
	o.record(ctx, audit.Entry{
		ActorType: actorType(ctx),
		ActorID:   actorID(ctx),
		Action:    audit.ActionPipelineTriggered,
		Scope:     audit.ScopeSession,
		ScopeID:   st.SessionID,
		Summary:   summary,
	})
	o.update(ctx, st, func(*State) {})
}

// Cancel stops a live run after its current external call. It reports
// whether a run was found.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// Wait blocks until the session's live run finishes, then returns its
// state. Without a live run it returns the last known state.
func (o *Orchestrator) Wait(ctx context.Context, sessionID string) (*State, error) {
	o.mu.Lock()
	r, ok := o.runs[sessionID]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	st, found := o.Status(ctx, sessionID)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrNoState, sessionID)
	}
	return st, nil
}

// Status returns a copy of the session's state: the live one when this
// process has seen the session, the persisted snapshot otherwise.
func (o *Orchestrator) Status(ctx context.Context, sessionID string) (*State, bool) {
	o.mu.Lock()
	st, ok := o.live[sessionID]
	if ok {
		cp := st.Clone()
		o.mu.Unlock()
		return cp, true
	}
	o.mu.Unlock()

	if o.states == nil {
		return nil, false
	}
	st, err := o.states.Load(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, ErrNoState) {
			o.logger.Warn("loading pipeline state", "session_id", sessionID, "error", err)
		}
		return nil, false
	}
	return st, true
}

// Watch subscribes to a session's state transitions. The current state, if
// any, is delivered first. The channel is closed after a terminal state is
// delivered or when stop is called. A slow reader loses intermediate
// states, never the latest one.
func (o *Orchestrator) Watch(ctx context.Context, sessionID string) (<-chan *State, func()) {
	ch := make(chan *State, watchBuffer)
	cur, _ := o.Status(ctx, sessionID)

	o.mu.Lock()
	_, running := o.runs[sessionID]
	if cur != nil {
		ch <- cur
	}
	if !running && (cur == nil || cur.Terminal()) {
		o.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := o.nextWatch
	o.nextWatch++
	if o.watchers[sessionID] == nil {
		o.watchers[sessionID] = make(map[int]chan *State)
	}
	o.watchers[sessionID][id] = ch
	o.mu.Unlock()

	stop := func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if c, ok := o.watchers[sessionID][id]; ok {
			delete(o.watchers[sessionID], id)
			close(c)
		}
	}
	return ch, stop
}

// Recover marks snapshots left non-terminal by a previous process as
// cancelled so that a non-running status always means a live run. It
// returns how many were marked.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if o.states == nil {
		return 0, nil
	}
	stale, err := o.states.NonTerminal(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, st := range stale {
		o.mu.Lock()
		_, running := o.runs[st.SessionID]
		o.mu.Unlock()
		if running {
			continue
		}
		stage := st.Stage
		if stage == "" {
			stage = StageDecomposition
		}
		st.fail(stageErr(stage, KindCancelled, nil, "run interrupted before completion"), o.now().UTC())
		if err := o.states.Save(ctx, st); err != nil {
			return n, err
		}
		o.record(ctx, audit.Entry{
			Action:  audit.ActionPipelineFailed,
			Scope:   audit.ScopeSession,
			ScopeID: st.SessionID,
			Summary: "Interrupted run marked cancelled",
		})
		o.logger.Warn("recovered interrupted pipeline", "session_id", st.SessionID, "stage", stage)
		n++
	}
	return n, nil
}

// Close cancels every live run and waits for them to record their terminal
// state.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.stop()
	o.wg.Wait()
}

// update applies fn to the live state under the lock, then persists and
// broadcasts the resulting snapshot.
func (o *Orchestrator) update(ctx context.Context, st *State, fn func(*State)) {
	o.mu.Lock()
	fn(st)
	st.UpdatedAt = o.now().UTC()
	snap := st.Clone()
	o.notifyLocked(snap)
	o.mu.Unlock()

	if o.states != nil {
		if err := o.states.Save(context.WithoutCancel(ctx), snap); err != nil {
			o.logger.Warn("persisting pipeline state", "session_id", st.SessionID, "error", err)
		}
	}
}

func (o *Orchestrator) announce(ctx context.Context, st *State) {
	if o.notifier == nil {
		return
	}
	o.notifier.PipelineFinished(context.WithoutCancel(ctx), o.snapshot(st))
}

func (o *Orchestrator) snapshot(st *State) *State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return st.Clone()
}

func (o *Orchestrator) notifyLocked(snap *State) {
	for id, ch := range o.watchers[snap.SessionID] {
		deliver(ch, snap)
		if snap.Terminal() {
			close(ch)
			delete(o.watchers[snap.SessionID], id)
		}
	}
}

func deliver(ch chan *State, snap *State) {
	select {
	case ch <- snap:
		return
	default:
	}
	// Full: drop the oldest so the newest state lands.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- snap:
	default:
	}
}

func (o *Orchestrator) record(ctx context.Context, e audit.Entry) {
	if o.audit == nil {
		return
	}
	if e.ActorID == "" {
		e.ActorType = audit.ActorSystem
		e.ActorID = actorOrchestrator
	}
	if err := o.audit.Log(context.WithoutCancel(ctx), e); err != nil {
		o.logger.Warn("writing audit entry", "action", e.Action, "error", err)
	}
}

type actorKey struct{}

// WithActor tags ctx with the user who asked for a run, for the audit
// trail.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

func actorID(ctx context.Context) string {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return id
	}
	return actorOrchestrator
}

func actorType(ctx context.Context) audit.ActorType {
	if id, ok := ctx.Value(actorKey{}).(string); ok && id != "" {
		return audit.ActorUser
	}
	return audit.ActorSystem
}
