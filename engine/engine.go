// Package engine composes the session core behind a single facade: the
// coordinator owns the ride clock and is the sole mutator of the workout
// executor, fusion, aggregator, PDC and segment timer. Transport adapters
// only ever call Submit; the UI only ever reads snapshots.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"veloride/engine/internal/analytics"
	"veloride/engine/internal/fusion"
	"veloride/engine/internal/segments"
	"veloride/engine/internal/sensors"
	"veloride/engine/internal/store"
	telemEvents "veloride/engine/internal/telemetry/events"
	"veloride/engine/internal/workout"
	"veloride/engine/models"
	"veloride/engine/telemetry/health"
	"veloride/engine/telemetry/metrics"
)

// TelemetryEvent is the stable event representation handed to external
// observers.
type TelemetryEvent struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications. Observers run
// synchronously on the coordinator and must be fast.
type EventObserver func(ev TelemetryEvent)

// RideSnapshot summarizes the active recording.
type RideSnapshot struct {
	ID        uuid.UUID           `json:"id"`
	StartedAt time.Time           `json:"started_at"`
	Stats     analytics.RideStats `json:"stats"`
}

// SegmentsSnapshot is the segment timer's observable state.
type SegmentsSnapshot struct {
	State          segments.TimingState `json:"state"`
	DistanceToNext *float64             `json:"distance_to_next,omitempty"`
	Active         []segments.Effort    `json:"active,omitempty"`
	Completed      []segments.Time      `json:"completed,omitempty"`
}

// Snapshot is a unified read-only view of engine state, copied under the
// coordinator lock so UI reads never block the loop more than trivially.
type Snapshot struct {
	StartedAt time.Time            `json:"started_at"`
	Uptime    time.Duration        `json:"uptime"`
	Workout   *models.WorkoutState `json:"workout,omitempty"`
	Ride      *RideSnapshot        `json:"ride,omitempty"`
	Cadence   *fusion.Diagnostics  `json:"cadence,omitempty"`
	HeartRate *fusion.Diagnostics  `json:"heart_rate,omitempty"`
	Source    sensors.Stats        `json:"source"`
	Segments  *SegmentsSnapshot    `json:"segments,omitempty"`
	PDC       []analytics.PDCPoint `json:"pdc,omitempty"`
}

// RideSummary is returned when a ride is finalized.
type RideSummary struct {
	Ride         store.RideRow        `json:"ride"`
	MMP          []analytics.PDCPoint `json:"mmp"`
	ImprovedPDC  []analytics.PDCPoint `json:"improved_pdc"`
	SegmentTimes []segments.Time      `json:"segment_times"`
	SampleCount  int                  `json:"sample_count"`
	ParquetPath  string               `json:"parquet_path,omitempty"`
}

// Engine is the session coordinator facade.
type Engine struct {
	cfg Config

	mu        sync.Mutex
	source    *sensors.Source
	cadence   *fusion.Fuser
	heartRate *fusion.Fuser
	executor  *workout.Engine
	agg       *analytics.Aggregator
	timer     *segments.Timer
	st        *store.Store
	pdc       *analytics.PowerDurationCurve
	mmpCalc   *analytics.MMPCalculator

	bus      telemEvents.Bus
	provider metrics.Provider
	healthEv *health.Evaluator

	observersMu sync.RWMutex
	observers   []EventObserver

	// ride bookkeeping (all under mu)
	riding         bool
	rideID         uuid.UUID
	rideStartedAt  time.Time
	nextSecondAt   time.Time
	lastSegmentIdx int
	lastTrainerAt  time.Time
	trainerGrade   *float64
	deviceKinds    map[string]models.SensorKind
	sinkErrs       uint64

	startedAt time.Time
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}

	// instruments
	mTicks       metrics.Counter
	mTarget      metrics.Gauge
	mCadence     metrics.Gauge
	mCompletions metrics.Counter
	healthGauge  metrics.Gauge
	lastHealth   atomic.Value // string
}

// New constructs an Engine with the supplied configuration.
func New(cfg Config) (*Engine, error) {
	def := Defaults()
	if cfg.FTP == 0 {
		return nil, fmt.Errorf("engine: ftp must be positive")
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.SensorBufferSize <= 0 {
		cfg.SensorBufferSize = def.SensorBufferSize
	}
	if len(cfg.MMPDurations) == 0 {
		cfg.MMPDurations = def.MMPDurations
	}
	if cfg.TrainerDropoutTimeoutMS == 0 {
		cfg.TrainerDropoutTimeoutMS = def.TrainerDropoutTimeoutMS
	}
	if cfg.RampDurationSeconds == 0 {
		cfg.RampDurationSeconds = def.RampDurationSeconds
	}

	e := &Engine{
		cfg:         cfg,
		provider:    selectMetricsProvider(cfg),
		executor:    workout.New(),
		agg:         analytics.NewAggregator(cfg.FTP),
		mmpCalc:     analytics.NewMMPCalculator(cfg.MMPDurations),
		deviceKinds: make(map[string]models.SensorKind),
		startedAt:   time.Now(),
		done:        make(chan struct{}),
	}
	e.executor.SetRampDuration(cfg.RampDurationSeconds)
	e.source = sensors.New(cfg.SensorBufferSize, e.provider)
	e.cadence = fusion.New(cfg.Fusion)
	hrCfg := cfg.Fusion
	hrCfg.WindowSize = 1
	hrCfg.SmoothingFactor = 0
	e.heartRate = fusion.New(hrCfg)
	e.timer = segments.NewTimer(cfg.Segments, cfg.UserID, uuid.New(), cfg.FTP)
	e.bus = telemEvents.NewBus(e.provider)

	path := cfg.StorePath
	if path == "" {
		path = ":memory:"
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, err
	}
	e.st = st

	pdc, err := st.LoadPDC(cfg.UserID)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	e.pdc = pdc

	if e.provider != nil {
		e.mTicks = e.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "veloride", Subsystem: "session", Name: "ticks_total", Help: "Ride clock seconds processed"}})
		e.mTarget = e.provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "veloride", Subsystem: "workout", Name: "target_power_watts", Help: "Current ERG target power"}})
		e.mCadence = e.provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "veloride", Subsystem: "sensors", Name: "fused_cadence_rpm", Help: "Fused cadence"}})
		e.mCompletions = e.provider.NewCounter(metrics.CounterOpts{CommonOpts: metrics.CommonOpts{Namespace: "veloride", Subsystem: "segments", Name: "completions_total", Help: "Segment efforts completed"}})
		e.healthGauge = e.provider.NewGauge(metrics.GaugeOpts{CommonOpts: metrics.CommonOpts{Namespace: "veloride", Subsystem: "health", Name: "status", Help: "Engine overall health (1=healthy,0.5=degraded,0=unhealthy,-1=unknown)"}})
		e.healthGauge.Set(-1)
	}
	e.healthEv = health.NewEvaluator(2*time.Second, e.healthProbes()...)
	return e, nil
}

// selectMetricsProvider maps config onto a metrics backend.
func selectMetricsProvider(cfg Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return nil
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "veloride"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// MetricsHandler returns the Prometheus exposition handler, or nil when the
// backend has none.
func (e *Engine) MetricsHandler() http.Handler {
	if e == nil || e.provider == nil {
		return nil
	}
	if hp, ok := e.provider.(interface{ MetricsHandler() http.Handler }); ok {
		return hp.MetricsHandler()
	}
	return nil
}

// Submit hands a sensor event from a transport adapter to the core. Never
// blocks the transport.
func (e *Engine) Submit(ev models.SensorEvent) {
	e.source.Submit(ev)
}

// RegisterEventObserver adds an observer invoked for each telemetry event.
// Safe for concurrent use; nil observers are ignored.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if e == nil || obs == nil {
		return
	}
	e.observersMu.Lock()
	e.observers = append(e.observers, obs)
	e.observersMu.Unlock()
}

func (e *Engine) publish(ev telemEvents.Event) {
	_ = e.bus.Publish(ev)
	e.observersMu.RLock()
	if len(e.observers) == 0 {
		e.observersMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), e.observers...)
	e.observersMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, Labels: ev.Labels, Fields: ev.Fields}
	if pub.Time.IsZero() {
		pub.Time = time.Now()
	}
	for _, o := range observers {
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// Start launches the coordinator loop. The returned error is non-nil when
// the engine is already running.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.run(runCtx)
	return nil
}

// Stop halts the coordinator, finalizes any active ride and closes the
// store. Idempotent.
func (e *Engine) Stop() error {
	if e.running.CompareAndSwap(true, false) {
		e.cancel()
		<-e.done
	}
	e.mu.Lock()
	var err error
	if e.riding {
		_ = e.executor.Stop()
		_, err = e.finalizeRideLocked()
	}
	e.mu.Unlock()
	if cerr := e.st.Close(); err == nil {
		err = cerr
	}
	return err
}

// HealthSnapshot evaluates (or returns cached) subsystem health.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	snap := e.healthEv.Evaluate(ctx)
	var val float64
	switch snap.Overall {
	case health.StatusHealthy:
		val = 1
	case health.StatusDegraded:
		val = 0.5
	case health.StatusUnhealthy:
		val = 0
	default:
		val = -1
	}
	if e.healthGauge != nil {
		e.healthGauge.Set(val)
	}
	prev, _ := e.lastHealth.Load().(string)
	cur := string(snap.Overall)
	if prev != "" && prev != cur {
		e.publish(telemEvents.Event{Category: telemEvents.CategoryHealth, Type: "health_change", Severity: "info", Fields: map[string]interface{}{"previous": prev, "current": cur}})
	}
	e.lastHealth.Store(cur)
	return snap
}

func (e *Engine) healthProbes() []health.Probe {
	sourceProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		stats := e.source.Stats()
		switch {
		case stats.Pending >= e.cfg.SensorBufferSize:
			return health.Unhealthy("sensor_source", "event buffer saturated")
		case stats.Pending >= e.cfg.SensorBufferSize*3/4:
			return health.Degraded("sensor_source", "event backlog building")
		}
		return health.Healthy("sensor_source")
	})
	trainerProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		e.mu.Lock()
		riding := e.riding
		disconnected := e.executor.IsTrainerDisconnected()
		last := e.lastTrainerAt
		e.mu.Unlock()
		if !riding {
			return health.Healthy("trainer")
		}
		if disconnected {
			return health.Degraded("trainer", "waiting for reconnect")
		}
		if !last.IsZero() && time.Since(last) > time.Duration(e.cfg.TrainerDropoutTimeoutMS)*time.Millisecond/2 {
			return health.Degraded("trainer", "data stale")
		}
		return health.Healthy("trainer")
	})
	sinkProbe := health.ProbeFunc(func(ctx context.Context) health.ProbeResult {
		if n := atomic.LoadUint64(&e.sinkErrs); n > 0 {
			return health.Degraded("recording_sink", fmt.Sprintf("%d write errors", n))
		}
		return health.Healthy("recording_sink")
	})
	return []health.Probe{sourceProbe, trainerProbe, sinkProbe}
}

// Snapshot returns a unified view of engine state.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := Snapshot{
		StartedAt: e.startedAt,
		Uptime:    time.Since(e.startedAt),
		Workout:   e.executor.State(),
		Source:    e.source.Stats(),
		PDC:       e.pdc.Points(),
	}
	cadDiag := e.cadence.Diagnostics()
	snap.Cadence = &cadDiag
	hrDiag := e.heartRate.Diagnostics()
	snap.HeartRate = &hrDiag
	if e.riding {
		snap.Ride = &RideSnapshot{ID: e.rideID, StartedAt: e.rideStartedAt, Stats: e.agg.Stats()}
	}
	segSnap := &SegmentsSnapshot{State: e.timer.State(), Active: e.timer.ActiveEfforts(), Completed: e.timer.CompletedTimes()}
	if d, ok := e.timer.DistanceToNext(); ok {
		segSnap.DistanceToNext = &d
	}
	snap.Segments = segSnap
	return snap
}

// PDCPoints returns the rider's lifetime curve.
func (e *Engine) PDCPoints() []analytics.PDCPoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pdc.Points()
}

// Store exposes the persistence sink for external readers (history UI).
func (e *Engine) Store() *store.Store { return e.st }
