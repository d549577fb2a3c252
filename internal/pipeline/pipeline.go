// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package pipeline drains flow observations through the detection
// model and writes results back to the flow store.
package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/LingshijunRenzy/ICS-guard/internal/events"
	"github.com/LingshijunRenzy/ICS-guard/internal/inference"
	"github.com/LingshijunRenzy/ICS-guard/internal/logging"
	"github.com/LingshijunRenzy/ICS-guard/internal/store"
)

const (
	defaultQueueSize = 10000
	defaultBatchSize = 64
	defaultWorkers   = 4

	// uiProbFloor is the probability above which even a safe result is
	// still pushed to the UI.
	uiProbFloor = 0.1

	dispatchWait = 1 * time.Second
)

// FlowTask is one queued observation.
type FlowTask struct {
	FlowID   string
	Snapshot map[string]any
}

// FlowStore is the slice of the flow store the pipeline writes to.
type FlowStore interface {
	UpsertFlowBase(f store.Flow) error
	UpdateDetection(flowID string, res store.DetectionResult) error
	AppendDetectionLog(l store.DetectionLog) error
	MarkSkipped(flowID string) error
}

// Predictor scores flow snapshots. *inference.Service satisfies it.
type Predictor interface {
	PredictBatch(flows []map[string]any) []inference.Result
}

// Responder reacts to block/redirect verdicts. Invocations are
// asynchronous; the pipeline never waits on them.
type Responder interface {
	HandleDetection(flowID string, level inference.Level, snapshot map[string]any)
}

// Recorder receives detection events headed for the UI.
type Recorder interface {
	Record(ev events.Event)
}

// Options tune the pipeline. Zero values take the defaults.
type Options struct {
	QueueSize int
	BatchSize int
	Workers   int
}

// Pipeline owns the queue, the dispatcher, and the worker pool.
type Pipeline struct {
	store     FlowStore
	predictor Predictor
	responder Responder
	recorder  Recorder
	logger    *logging.Logger

	queue     chan FlowTask
	batches   chan []FlowTask
	batchSize int
	workers   int

	mu      sync.Mutex
	started bool
	quit    chan struct{}
	wg      sync.WaitGroup

	processedTotal prometheus.Counter
	droppedTotal   prometheus.Counter
	queueDepth     prometheus.GaugeFunc
}

// New wires a pipeline. responder and recorder may be nil.
func New(fs FlowStore, predictor Predictor, responder Responder, recorder Recorder, opts Options, logger *logging.Logger, reg prometheus.Registerer) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if logger == nil {
		logger = logging.Default()
	}

	p := &Pipeline{
		store:     fs,
		predictor: predictor,
		responder: responder,
		recorder:  recorder,
		logger:    logger.WithComponent("pipeline"),
		queue:     make(chan FlowTask, opts.QueueSize),
		batches:   make(chan []FlowTask),
		batchSize: opts.BatchSize,
		workers:   opts.Workers,
		quit:      make(chan struct{}),
		processedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icsguard_pipeline_flows_processed_total",
			Help: "Flow observations scored by the detection pipeline.",
		}),
		droppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "icsguard_pipeline_flows_dropped_total",
			Help: "Flow observations dropped because the queue was full.",
		}),
	}
	p.queueDepth = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "icsguard_pipeline_queue_depth",
		Help: "Queued flow observations awaiting dispatch.",
	}, func() float64 { return float64(len(p.queue)) })

	if reg != nil {
		reg.MustRegister(p.processedTotal, p.droppedTotal, p.queueDepth)
	}
	return p
}

// HandleFlowEvent adapts a flow_update event into an enqueue. Shaped
// as a bus handler.
func (p *Pipeline) HandleFlowEvent(ev events.Event) {
	flowID, _ := ev.Data["flow_id"].(string)
	if flowID == "" {
		p.logger.Warn("flow event without flow_id dropped")
		return
	}
	p.Enqueue(flowID, ev.Data)
}

// Enqueue adds one observation without blocking. When the queue is
// full the observation is dropped and the flow marked skipped so a
// stale pending row does not linger.
func (p *Pipeline) Enqueue(flowID string, snapshot map[string]any) {
	select {
	case p.queue <- FlowTask{FlowID: flowID, Snapshot: snapshot}:
	default:
		p.droppedTotal.Inc()
		p.logger.Warn("detection queue full, dropping flow", "flow_id", flowID)
		if err := p.store.MarkSkipped(flowID); err != nil {
			p.logger.Warn("mark skipped failed", "flow_id", flowID, "error", err)
		}
	}
}

// Start launches the dispatcher and workers. Idempotent.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	p.wg.Add(1)
	go p.dispatch()
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// Stop signals shutdown and waits for the dispatcher and workers to
// finish the batches already in flight.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.mu.Unlock()

	close(p.quit)
	p.wg.Wait()
}

// dispatch forms batches: block for the head up to dispatchWait, then
// greedily drain without blocking.
func (p *Pipeline) dispatch() {
	defer p.wg.Done()
	defer close(p.batches)

	for {
		var head FlowTask
		select {
		case head = <-p.queue:
		case <-p.quit:
			// Drain whatever is still queued before exiting.
			for {
				select {
				case t := <-p.queue:
					p.batches <- []FlowTask{t}
				default:
					return
				}
			}
		case <-time.After(dispatchWait):
			continue
		}

		batch := []FlowTask{head}
		for len(batch) < p.batchSize {
			select {
			case t := <-p.queue:
				batch = append(batch, t)
			default:
				goto formed
			}
		}
	formed:
		p.batches <- batch
	}
}

func (p *Pipeline) worker() {
	defer p.wg.Done()
	for batch := range p.batches {
		p.processBatch(batch)
	}
}

// dedupe collapses a batch to one task per flow, keeping the latest
// observation. First-seen order is preserved.
func dedupe(batch []FlowTask) []FlowTask {
	index := map[string]int{}
	out := batch[:0]
	for _, t := range batch {
		if i, ok := index[t.FlowID]; ok {
			out[i] = t
			continue
		}
		index[t.FlowID] = len(out)
		out = append(out, t)
	}
	return out
}

func (p *Pipeline) processBatch(batch []FlowTask) {
	tasks := dedupe(batch)

	snapshots := make([]map[string]any, 0, len(tasks))
	for _, t := range tasks {
		if err := p.store.UpsertFlowBase(store.FlowFromSnapshot(t.FlowID, t.Snapshot)); err != nil {
			p.logger.Warn("flow upsert failed", "flow_id", t.FlowID, "error", err)
		}
		snapshots = append(snapshots, t.Snapshot)
	}

	results := p.predictor.PredictBatch(snapshots)
	for i, t := range tasks {
		p.finishTask(t, results[i])
	}
}

func (p *Pipeline) finishTask(t FlowTask, res inference.Result) {
	status := StatusFor(res)

	err := p.store.UpdateDetection(t.FlowID, store.DetectionResult{
		Status:       status,
		Level:        string(res.Level),
		Prob:         res.Prob,
		AnomalyScore: res.AnomalyScore,
		DetectedAt:   time.Now().UTC(),
	})
	if err != nil {
		p.logger.Warn("detection write failed", "flow_id", t.FlowID, "error", err)
	}

	err = p.store.AppendDetectionLog(store.DetectionLog{
		FlowID:        t.FlowID,
		Prob:          res.Prob,
		Label:         res.Label,
		AnomalyScore:  res.AnomalyScore,
		DecisionLevel: string(res.Level),
		Snapshot:      t.Snapshot,
	})
	if err != nil {
		p.logger.Warn("detection log write failed", "flow_id", t.FlowID, "error", err)
	}

	p.processedTotal.Inc()

	if p.recorder != nil && pushToUI(status, res.Prob) {
		p.recorder.Record(events.NewEvent(events.TypeFlowDetection, map[string]any{
			"flow_id":        t.FlowID,
			"detect_status":  status,
			"decision_level": string(res.Level),
			"prob":           res.Prob,
			"anomaly_score":  res.AnomalyScore,
			"label":          res.Label,
		}))
	}

	if p.responder != nil && (res.Level == inference.LevelBlock || res.Level == inference.LevelRedirect) {
		go p.responder.HandleDetection(t.FlowID, res.Level, t.Snapshot)
	}
}

// StatusFor maps a decision level to the operator-facing status.
func StatusFor(res inference.Result) string {
	if res.Label == "Error" {
		return store.StatusError
	}
	switch res.Level {
	case inference.LevelNormal:
		return store.StatusSafe
	case inference.LevelAlert:
		return store.StatusSuspicious
	case inference.LevelThrottle, inference.LevelBlock, inference.LevelRedirect:
		return store.StatusDangerous
	default:
		return store.StatusError
	}
}

// pushToUI gates detection events so the UI only sees what matters.
func pushToUI(status string, prob float64) bool {
	return status == store.StatusSuspicious || status == store.StatusDangerous || prob > uiProbFloor
}
