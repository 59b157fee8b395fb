package telemetry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const registryBatchSize = 64

const (
	RegistryQueuePressureOK        = "ok"
	RegistryQueuePressureElevated  = "elevated"
	RegistryQueuePressureHigh      = "high"
	RegistryQueuePressureSaturated = "saturated"
)

// RegistryDiagnosticsReader exposes runtime queue/drop diagnostics.
type RegistryDiagnosticsReader interface {
	RegistryDiagnostics() RegistryDiagnostics
}

// RegistryDiagnostics captures profile touch queue pressure and drop signals.
type RegistryDiagnostics struct {
	QueueCapacity           int              `json:"queue_capacity"`
	QueueDepth              int              `json:"queue_depth"`
	QueueDepthHighWatermark int              `json:"queue_depth_high_watermark"`
	QueueUtilizationPct     int              `json:"queue_utilization_pct"`
	QueuePressureState      string           `json:"queue_pressure_state"`
	EnqueueAcceptedTotal    int64            `json:"enqueue_accepted_total"`
	EnqueueDroppedTotal     int64            `json:"enqueue_dropped_total"`
	TouchDroppedTotal       int64            `json:"touch_dropped_total"`
	LastEnqueueDropAt       *time.Time       `json:"last_enqueue_drop_at,omitempty"`
	LastTouchDropAt         *time.Time       `json:"last_touch_drop_at,omitempty"`
	TouchFailuresByClass    map[string]int64 `json:"touch_failures_by_class,omitempty"`
	StoreDriver             string           `json:"store_driver,omitempty"`
}

// TouchFailure describes profile touches that could not be persisted.
type TouchFailure struct {
	BatchSize   int
	FailedCount int
	Err         error
	ErrorClass  string
}

// TouchFailureHandler receives asynchronous registry write failure signals.
type TouchFailureHandler func(TouchFailure)

var noopTouchFailureHandler = TouchFailureHandler(func(TouchFailure) {})

// RegistryMetrics holds optional callbacks the Registry invokes at key
// pipeline points, typically wired to meter instruments.
type RegistryMetrics struct {
	OnEnqueue func()
	OnDrop    func()
	OnFlush   func(batchSize int, duration time.Duration)
}

// Registry applies profile touches to storage asynchronously so span upserts
// never block on registry counter maintenance. Touch ordering within one
// queue is preserved; drops under sustained saturation are counted, not
// retried.
type Registry struct {
	store Store
	queue chan ProfileTouch
	wg    sync.WaitGroup

	started       atomic.Bool
	stopped       atomic.Bool
	stopOnce      sync.Once
	doneOnce      sync.Once
	done          chan struct{}
	queueMu       sync.RWMutex
	lifecycleMu   sync.RWMutex
	workerCancel  context.CancelFunc
	failureHandle atomic.Value // TouchFailureHandler
	metrics       atomic.Value // *RegistryMetrics

	queueDepthHighWatermark atomic.Int64
	enqueueAcceptedTotal    atomic.Int64
	enqueueDroppedTotal     atomic.Int64
	touchDroppedTotal       atomic.Int64
	lastEnqueueDropUnixNano atomic.Int64
	lastTouchDropUnixNano   atomic.Int64

	failureConnection atomic.Int64
	failureTimeout    atomic.Int64
	failureContention atomic.Int64
	failureConstraint atomic.Int64
	failureUnknown    atomic.Int64
}

func NewRegistry(store Store, bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = 256
	}

	registry := &Registry{
		store: store,
		queue: make(chan ProfileTouch, bufferSize),
		done:  make(chan struct{}),
	}
	registry.failureHandle.Store(noopTouchFailureHandler)
	registry.metrics.Store(&RegistryMetrics{})
	return registry
}

// SetFailureHandler replaces the callback used for dropped touch signals.
func (r *Registry) SetFailureHandler(handler TouchFailureHandler) {
	if r == nil {
		return
	}
	if handler == nil {
		handler = noopTouchFailureHandler
	}
	r.failureHandle.Store(handler)
}

// SetMetrics replaces the metric callbacks used by the registry pipeline.
func (r *Registry) SetMetrics(m *RegistryMetrics) {
	if r == nil {
		return
	}
	if m == nil {
		m = &RegistryMetrics{}
	}
	r.metrics.Store(m)
}

func (r *Registry) loadMetrics() *RegistryMetrics {
	m, _ := r.metrics.Load().(*RegistryMetrics)
	return m
}

// QueueLen returns the current number of touches waiting in the queue.
func (r *Registry) QueueLen() int {
	if r == nil {
		return 0
	}
	return len(r.queue)
}

func (r *Registry) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	if ctx == nil || ctx.Err() != nil {
		ctx = context.Background()
	}
	workerCtx, cancel := context.WithCancel(ctx)
	r.lifecycleMu.Lock()
	r.workerCancel = cancel
	r.lifecycleMu.Unlock()

	r.wg.Add(1)
	go func(workerCtx context.Context) {
		defer r.wg.Done()
		defer r.markDone()

		for {
			select {
			case <-workerCtx.Done():
				return
			case touch, ok := <-r.queue:
				if !ok {
					return
				}

				batch := make([]ProfileTouch, 0, registryBatchSize)
				batch = append(batch, touch)
			drain:
				for len(batch) < registryBatchSize {
					select {
					case <-workerCtx.Done():
						// Use a fresh context so the drain flush is not
						// rejected by the store due to cancellation.
						r.flushBatch(context.Background(), batch)
						return
					case next, ok := <-r.queue:
						if !ok {
							r.flushBatch(context.Background(), batch)
							return
						}
						batch = append(batch, next)
					default:
						break drain
					}
				}
				r.flushBatch(workerCtx, batch)
			}
		}
	}(workerCtx)
}

func (r *Registry) Enqueue(touch ProfileTouch) bool {
	if r.stopped.Load() {
		return false
	}
	r.queueMu.RLock()
	defer r.queueMu.RUnlock()
	if r.stopped.Load() {
		return false
	}

	select {
	case r.queue <- touch:
		r.enqueueAcceptedTotal.Add(1)
		r.observeQueueDepth(len(r.queue))
		if m := r.loadMetrics(); m != nil && m.OnEnqueue != nil {
			m.OnEnqueue()
		}
		return true
	default:
		r.enqueueDroppedTotal.Add(1)
		r.observeQueueDepth(cap(r.queue))
		r.lastEnqueueDropUnixNano.Store(time.Now().UTC().UnixNano())
		if m := r.loadMetrics(); m != nil && m.OnDrop != nil {
			m.OnDrop()
		}
		return false
	}
}

func (r *Registry) Stop() {
	_ = r.Shutdown(context.Background())
}

// Shutdown closes the queue and waits for the worker to drain it or for ctx
// to expire.
func (r *Registry) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		r.queueMu.Lock()
		close(r.queue)
		r.queueMu.Unlock()
		if !r.started.Load() {
			r.markDone()
		}
	})

	select {
	case <-r.done:
		r.wg.Wait()
		r.cancelWorker()
		return nil
	case <-ctx.Done():
		r.cancelWorker()
		return ctx.Err()
	}
}

func (r *Registry) cancelWorker() {
	if r == nil {
		return
	}
	r.lifecycleMu.RLock()
	cancel := r.workerCancel
	r.lifecycleMu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Registry) markDone() {
	r.doneOnce.Do(func() {
		close(r.done)
	})
}

func (r *Registry) flushBatch(ctx context.Context, batch []ProfileTouch) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()
	defer func() {
		if m := r.loadMetrics(); m != nil && m.OnFlush != nil {
			m.OnFlush(len(batch), time.Since(start))
		}
	}()

	if err := r.store.TouchToolProfiles(ctx, batch); err != nil {
		r.reportFailure(TouchFailure{
			BatchSize:   len(batch),
			FailedCount: len(batch),
			Err:         err,
		})
	}
}

func (r *Registry) reportFailure(failure TouchFailure) {
	if r == nil || failure.FailedCount <= 0 {
		return
	}
	failure.ErrorClass = ClassifyWriteError(failure.Err)
	r.touchDroppedTotal.Add(int64(failure.FailedCount))
	r.lastTouchDropUnixNano.Store(time.Now().UTC().UnixNano())
	count := int64(failure.FailedCount)
	switch failure.ErrorClass {
	case WriteErrorClassConnection:
		r.failureConnection.Add(count)
	case WriteErrorClassTimeout:
		r.failureTimeout.Add(count)
	case WriteErrorClassContention:
		r.failureContention.Add(count)
	case WriteErrorClassConstraint:
		r.failureConstraint.Add(count)
	default:
		r.failureUnknown.Add(count)
	}
	handler, ok := r.failureHandle.Load().(TouchFailureHandler)
	if !ok || handler == nil {
		return
	}
	handler(failure)
}

// RegistryDiagnostics returns a point-in-time snapshot of queue pressure and
// dropped-touch counters for operator diagnostics.
func (r *Registry) RegistryDiagnostics() RegistryDiagnostics {
	if r == nil {
		return RegistryDiagnostics{}
	}

	queueCapacity := cap(r.queue)
	queueDepth := len(r.queue)
	queueDepthHighWatermark := int(r.queueDepthHighWatermark.Load())
	if queueDepth > queueDepthHighWatermark {
		queueDepthHighWatermark = queueDepth
	}

	queueUtilPct := queueUtilizationPct(queueDepth, queueCapacity)

	snapshot := RegistryDiagnostics{
		QueueCapacity:           queueCapacity,
		QueueDepth:              queueDepth,
		QueueDepthHighWatermark: queueDepthHighWatermark,
		QueueUtilizationPct:     queueUtilPct,
		QueuePressureState:      queuePressureState(queueUtilPct),
		EnqueueAcceptedTotal:    r.enqueueAcceptedTotal.Load(),
		EnqueueDroppedTotal:     r.enqueueDroppedTotal.Load(),
		TouchDroppedTotal:       r.touchDroppedTotal.Load(),
	}

	if ts := r.lastEnqueueDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastEnqueueDropAt = &last
	}
	if ts := r.lastTouchDropUnixNano.Load(); ts > 0 {
		last := time.Unix(0, ts).UTC()
		snapshot.LastTouchDropAt = &last
	}

	byClass := make(map[string]int64)
	if v := r.failureConnection.Load(); v > 0 {
		byClass[WriteErrorClassConnection] = v
	}
	if v := r.failureTimeout.Load(); v > 0 {
		byClass[WriteErrorClassTimeout] = v
	}
	if v := r.failureContention.Load(); v > 0 {
		byClass[WriteErrorClassContention] = v
	}
	if v := r.failureConstraint.Load(); v > 0 {
		byClass[WriteErrorClassConstraint] = v
	}
	if v := r.failureUnknown.Load(); v > 0 {
		byClass[WriteErrorClassUnknown] = v
	}
	if len(byClass) > 0 {
		snapshot.TouchFailuresByClass = byClass
	}

	return snapshot
}

func (r *Registry) observeQueueDepth(depth int) {
	if r == nil || depth < 0 {
		return
	}
	depthValue := int64(depth)
	for {
		current := r.queueDepthHighWatermark.Load()
		if depthValue <= current {
			return
		}
		if r.queueDepthHighWatermark.CompareAndSwap(current, depthValue) {
			return
		}
	}
}

func queueUtilizationPct(depth, capacity int) int {
	if capacity <= 0 || depth <= 0 {
		return 0
	}
	if depth >= capacity {
		return 100
	}
	return int((int64(depth) * 100) / int64(capacity))
}

func queuePressureState(utilizationPct int) string {
	switch {
	case utilizationPct >= 100:
		return RegistryQueuePressureSaturated
	case utilizationPct >= 80:
		return RegistryQueuePressureHigh
	case utilizationPct >= 50:
		return RegistryQueuePressureElevated
	default:
		return RegistryQueuePressureOK
	}
}
