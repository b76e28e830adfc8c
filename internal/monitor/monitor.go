// Package monitor drives change detection and delivery.
//
// Three loops run under one supervisor:
//   - fast: polls row counts and queues a recheck when they grow
//   - slow: on the configured schedule, checks every subscriber and kind
//   - consumer: pops queued rechecks and checks the affected kind
//
// The loops share a consecutive-error budget. Transient failures count
// against it; a clean slow or consumer cycle resets it unless every key it
// touched was already in flight elsewhere. When it runs out
// every loop is cancelled and Run returns a fatal error.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"alertwatch/internal/alert"
	"alertwatch/internal/eventbus"
	"alertwatch/internal/failure"
	"alertwatch/internal/queue"
	rtsup "alertwatch/internal/runtime/supervisor"
	"alertwatch/internal/storage"
	logx "alertwatch/pkg/logx"
)

type Monitor struct {
	cfg      Config
	schedule Schedule

	store      AlertStore
	dir        Directory
	detector   Detector
	dispatcher Dispatcher
	cursors    Cursors
	queue      *queue.Queue
	bus        eventbus.Bus
	log        logx.Logger

	state atomic.Int32

	budgetMu    sync.Mutex
	consecutive int
	lastCycle   time.Time
	lastSuccess time.Time
	lastErr     string

	// inflight holds "subscriber/kind" keys being processed by any loop.
	inflight sync.Map

	cancel context.CancelCauseFunc
	// dctx outlives shutdown by the grace period so running dispatches
	// can finish.
	dctx context.Context
}

// Deps bundles the collaborators. Bus may be nil.
type Deps struct {
	Store      AlertStore
	Directory  Directory
	Detector   Detector
	Dispatcher Dispatcher
	Cursors    Cursors
	Bus        eventbus.Bus
}

func New(cfg Config, deps Deps, log logx.Logger) (*Monitor, error) {
	cfg = cfg.withDefaults()
	if deps.Store == nil || deps.Directory == nil || deps.Detector == nil || deps.Dispatcher == nil || deps.Cursors == nil {
		return nil, errors.New("monitor: missing dependency")
	}
	var (
		sch Schedule
		err error
	)
	if cfg.Schedule != "" {
		sch, err = ParseSchedule(cfg.Schedule)
		if err != nil {
			return nil, failure.Config(err)
		}
	} else {
		sch = Every(cfg.CheckInterval)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:        cfg,
		schedule:   sch,
		store:      deps.Store,
		dir:        deps.Directory,
		detector:   deps.Detector,
		dispatcher: deps.Dispatcher,
		cursors:    deps.Cursors,
		queue:      queue.New(cfg.QueueSize),
		bus:        deps.Bus,
		log:        log.With(logx.String("comp", "monitor")),
	}, nil
}

func (m *Monitor) State() State { return State(m.state.Load()) }

// Queue exposes the recheck queue so other producers (e.g. a manual
// trigger) can enqueue events.
func (m *Monitor) Queue() *queue.Queue { return m.queue }

func (m *Monitor) setState(s State) {
	m.state.Store(int32(s))
	m.publish(EventState, StateEvent{State: s.String()})
	m.log.Info("monitor state changed", logx.String("state", s.String()))
}

func (m *Monitor) Health() Health {
	m.budgetMu.Lock()
	defer m.budgetMu.Unlock()
	return Health{
		State:             m.State().String(),
		ConsecutiveErrors: m.consecutive,
		MaxErrors:         m.cfg.MaxConsecutiveErrors,
		LastCycleAt:       m.lastCycle,
		LastSuccessAt:     m.lastSuccess,
		LastError:         m.lastErr,
		QueueLen:          m.queue.Len(),
		Schedule:          m.schedule.Description,
	}
}

// Run starts the loops and blocks until ctx is cancelled or the error
// budget is exhausted. Cancellation returns nil after in-flight dispatches
// finish or the grace period expires. Exhaustion returns a fatal error
// wrapping ErrBudgetExhausted.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		if m.State() == StateStopped {
			return ErrStopped
		}
		return ErrAlreadyRunning
	}
	m.publish(EventState, StateEvent{State: StateRunning.String()})
	m.log.Info("monitor running",
		logx.String("schedule", m.schedule.Description),
		logx.Duration("fast_interval", m.cfg.FastInterval),
		logx.Int("workers", m.cfg.Workers),
		logx.Int("max_consecutive_errors", m.cfg.MaxConsecutiveErrors))

	runCtx, cancel := context.WithCancelCause(ctx)
	dctx, dcancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.dctx = dctx

	sup := rtsup.NewSupervisor(runCtx,
		rtsup.WithLogger(m.log),
		rtsup.WithCancelOnError(false),
	)
	sup.Go0("monitor.fast", m.fastLoop)
	sup.Go0("monitor.slow", m.slowLoop)
	sup.Go0("monitor.consumer", m.consumeLoop)

	<-runCtx.Done()
	m.queue.Close()
	m.log.Info("monitor stopping", logx.Duration("grace", m.cfg.GracePeriod))

	grace := time.AfterFunc(m.cfg.GracePeriod, func() {
		m.log.Warn("grace period expired, abandoning in-flight dispatches")
		dcancel()
	})
	_ = sup.Wait(context.Background())
	grace.Stop()
	dcancel()

	m.setState(StateStopped)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrBudgetExhausted) {
		return failure.Fatal(cause)
	}
	return nil
}

// RunCycle runs one authoritative check of every subscriber and kind
// outside the loops. It does not touch the error budget.
func (m *Monitor) RunCycle(ctx context.Context, trigger alert.Trigger) error {
	_, err := m.checkAll(ctx, ctx, "", alert.Kinds(), trigger)
	return err
}

func (m *Monitor) fastLoop(ctx context.Context) {
	last := map[alert.Kind]int64{}
	check := func() {
		start := time.Now()
		err := m.fastCheck(ctx, last)
		if ctx.Err() != nil {
			return
		}
		m.noteCycle("fast", start, err, false)
	}
	check()
	t := time.NewTicker(m.cfg.FastInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

// fastCheck compares row counts with the last observation. The first
// observation of a kind only sets the baseline.
func (m *Monitor) fastCheck(ctx context.Context, last map[alert.Kind]int64) error {
	for _, k := range alert.Kinds() {
		n, err := m.store.TotalCount(ctx, k)
		if err != nil {
			return err
		}
		prev, seen := last[k]
		last[k] = n
		if !seen || n <= prev {
			continue
		}
		ev := queue.NewEvent(k, alert.TriggerRealtime)
		switch err := m.queue.TryPush(ev); {
		case err == nil:
			m.log.Debug("change detected", logx.String("kind", k.String()), logx.Int64("from", prev), logx.Int64("to", n))
		case errors.Is(err, queue.ErrFull):
			// A pending recheck already covers this change.
		case errors.Is(err, queue.ErrClosed):
			return nil
		default:
			return err
		}
	}
	return nil
}

func (m *Monitor) slowLoop(ctx context.Context) {
	run := func() {
		start := time.Now()
		idle, err := m.checkAll(ctx, m.dctx, "", alert.Kinds(), alert.TriggerScheduled)
		if ctx.Err() != nil {
			return
		}
		m.noteCycle("slow", start, err, !idle)
	}
	if !m.cfg.SkipInitialCycle {
		run()
	}
	for {
		next := m.schedule.Next(time.Now())
		t := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		run()
	}
}

func (m *Monitor) consumeLoop(ctx context.Context) {
	for {
		ev, ok, err := m.queue.Pop(ctx, m.cfg.PopIdle)
		if err != nil {
			return
		}
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		m.consume(ctx, ev)
	}
}

// consume runs one recheck and charges it to the budget.
func (m *Monitor) consume(ctx context.Context, ev queue.ChangeEvent) {
	start := time.Now()
	idle, err := m.handleEvent(ctx, ev)
	if ctx.Err() != nil {
		return
	}
	m.noteCycle("consumer", start, err, !idle)
}

// handleEvent re-detects the event's scope instead of trusting anything
// observed by the fast loop, so it cannot resend alerts another loop
// already delivered.
func (m *Monitor) handleEvent(ctx context.Context, ev queue.ChangeEvent) (idle bool, err error) {
	kinds := alert.Kinds()
	if ev.Kind.Valid() {
		kinds = []alert.Kind{ev.Kind}
	}
	m.log.Debug("recheck", logx.String("event", ev.ID.String()), logx.String("trigger", string(ev.Trigger)))
	return m.checkAll(ctx, m.dctx, ev.SubscriberID, kinds, ev.Trigger)
}

// tally counts keys a cycle processed and keys it left to another loop.
type tally struct {
	ran     atomic.Int32
	skipped atomic.Int32
}

// idle reports a cycle that only found keys already in flight.
func (t *tally) idle() bool { return t.ran.Load() == 0 && t.skipped.Load() > 0 }

// checkAll fans subscribers out to at most cfg.Workers goroutines. Detection
// uses ctx; dispatch uses dctx. idle is true when no key was detected
// because all of them were in flight elsewhere.
func (m *Monitor) checkAll(ctx, dctx context.Context, onlySub string, kinds []alert.Kind, trigger alert.Trigger) (idle bool, err error) {
	subs, err := m.store.Subscribers(ctx)
	if err != nil {
		return false, err
	}
	if onlySub != "" {
		filtered := subs[:0]
		for _, s := range subs {
			if s.ID == onlySub {
				filtered = append(filtered, s)
			}
		}
		subs = filtered
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
		sem  = make(chan struct{}, m.cfg.Workers)
		seen tally
	)
	for _, sub := range subs {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(sub alert.Subscriber) {
			defer wg.Done()
			defer func() { <-sem }()
			err := m.checkSubscriber(ctx, dctx, sub, kinds, trigger, &seen)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return seen.idle(), errors.Join(errs...)
}

func (m *Monitor) checkSubscriber(ctx, dctx context.Context, sub alert.Subscriber, kinds []alert.Kind, trigger alert.Trigger, seen *tally) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic checking subscriber %s: %v", sub.ID, r)
		}
	}()
	setting, err := m.dir.Setting(ctx, sub.ID)
	if err != nil {
		return err
	}
	var errs []error
	for _, k := range kinds {
		if ctx.Err() != nil {
			break
		}
		err := m.process(ctx, dctx, sub, k, setting, trigger)
		if errors.Is(err, errInFlight) {
			seen.skipped.Add(1)
			continue
		}
		seen.ran.Add(1)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", sub.ID, k, err))
		}
	}
	return errors.Join(errs...)
}

// errInFlight reports a key left to the loop already processing it.
var errInFlight = errors.New("key already in flight")

// process handles one (subscriber, kind): detect, dispatch, advance.
func (m *Monitor) process(ctx, dctx context.Context, sub alert.Subscriber, kind alert.Kind, setting alert.NotificationSetting, trigger alert.Trigger) error {
	key := sub.ID + "/" + kind.String()
	if _, busy := m.inflight.LoadOrStore(key, struct{}{}); busy {
		m.log.Debug("key already in flight", logx.String("key", key))
		return errInFlight
	}
	defer m.inflight.Delete(key)

	b, err := m.detector.Detect(ctx, sub, kind, trigger)
	if err != nil {
		return err
	}
	if b.Empty() || ctx.Err() != nil {
		return nil
	}

	res := m.dispatcher.Dispatch(dctx, b, setting)
	abandoned := dctx.Err() != nil

	// The cursor write must not be cut off by the grace timer firing just
	// after a completed dispatch.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(dctx), 5*time.Second)
	defer cancel()

	rec := storage.DeliveryRecord{
		At:         time.Now(),
		DispatchID: res.DispatchID,
		Subscriber: sub.ID,
		Kind:       kind.String(),
		FirstID:    b.Records[0].ID(),
		LastID:     b.MaxID(),
		Count:      b.Len(),
		Channels:   res.Summary(),
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}

	log := m.log.With(logx.String("key", key), logx.String("dispatch_id", res.DispatchID), logx.Int("count", b.Len()))
	switch {
	case abandoned:
		log.Warn("dispatch abandoned at shutdown, cursor kept", logx.String("cursor", b.Watermark))
		rec.Error = "abandoned at shutdown"
	case res.Qualifies():
		to := b.MaxID()
		stored, advanced, aerr := m.cursors.Advance(wctx, sub.ID, kind, to)
		if aerr != nil {
			_ = m.cursors.Record(wctx, rec)
			return aerr
		}
		rec.Advanced = advanced
		if advanced {
			m.publish(EventAdvance, AdvanceEvent{Subscriber: sub.ID, Kind: kind.String(), From: b.Watermark, To: stored, DispatchID: res.DispatchID})
		}
		log.Info("cursor advanced", logx.String("from", b.Watermark), logx.String("to", stored), logx.String("channels", rec.Channels))
	case len(res.Attempted) == 0:
		log.Warn("no channel could be attempted, cursor kept", logx.String("channels", rec.Channels))
	default:
		log.Warn("delivery failed, batch will be retried", logx.String("channels", rec.Channels))
	}

	if err := m.cursors.Record(wctx, rec); err != nil {
		log.Warn("delivery journal write failed", logx.Err(err))
	}
	if abandoned {
		return nil
	}
	return res.Err
}

// noteCycle applies the budget rules to one finished cycle.
func (m *Monitor) noteCycle(loop string, start time.Time, err error, authoritative bool) {
	class := failure.ClassOf(err)

	m.budgetMu.Lock()
	m.lastCycle = time.Now()
	switch class {
	case failure.ClassTransient, failure.ClassFatal:
		m.consecutive++
		m.lastErr = err.Error()
	default:
		if authoritative {
			m.consecutive = 0
			m.lastSuccess = m.lastCycle
		}
	}
	n := m.consecutive
	limit := m.cfg.MaxConsecutiveErrors
	m.budgetMu.Unlock()

	ev := CycleEvent{Loop: loop, Duration: time.Since(start), Class: class.String(), Consecutive: n}
	if err != nil {
		ev.Error = err.Error()
	}
	m.publish(EventCycle, ev)

	switch class {
	case failure.ClassNone:
		m.log.Debug("cycle ok", logx.String("loop", loop), logx.Duration("took", ev.Duration))
	case failure.ClassConfig:
		m.log.Warn("cycle skipped channels", logx.String("loop", loop), logx.Err(err))
	default:
		m.log.Error("cycle failed", logx.String("loop", loop), logx.Err(err),
			logx.Int("consecutive_errors", n), logx.Int("max", limit))
	}

	if class == failure.ClassFatal || n >= limit {
		m.log.Error("error budget exhausted, stopping", logx.Int("consecutive_errors", n))
		if m.cancel != nil {
			m.cancel(fmt.Errorf("%w after %d failures: %v", ErrBudgetExhausted, n, err))
		}
	}
}

func (m *Monitor) publish(typ string, data any) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
