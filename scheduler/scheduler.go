// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler implements the graph-wide run driver: per-executor
// priority queues, source layers, throttling and deadlock resolution,
// shutdown, and error accumulation, with prometheus/client_golang gauges
// and counters over all of it.
package scheduler

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/graphrun/graphrun/apperr"
	"github.com/graphrun/graphrun/common"
	"github.com/graphrun/graphrun/executor"
	"github.com/graphrun/graphrun/internal/rescue"
	"github.com/graphrun/graphrun/node"
	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/stream"
	"github.com/graphrun/graphrun/timestamp"
)

const maxAccumulatedErrors = 1000

// ReservedExecutorName is the well-known name of the synchronous,
// application-thread executor.
const ReservedExecutorName = "__reserved__"

// AncestorLookup resolves a producer (a node index, or a graph input's
// virtual id) to the set of source/graph-input ids that transitively feed
// it. Supplied by graphcontract.Description.AncestorSources.
type AncestorLookup func(producerID int) map[int]bool

type nodeEntry struct {
	n             *node.Node
	id            int
	isSource      bool
	sourceLayer   int
	seq           int64 // per-source step counter; each source step runs at this timestamp
	closeNotified bool  // guards nodeClosed against a double count
}

// Scheduler drives every node's invocations across a pool of named
// executors, enforces source-layer activation order, throttles producers
// behind full consumer queues, and tracks run termination.
type Scheduler struct {
	mu              sync.Mutex
	nodes           []*nodeEntry
	nodesByID       map[int]*nodeEntry
	executors       map[string]executor.Executor
	queues          map[executor.Executor]*schedulerQueue
	defaultExecutor string
	ancestors       AncestorLookup

	started     bool
	layers      []int
	activeLayer int
	layerClosed map[int]int // layer -> count of closed sources in it
	layerTotal  map[int]int

	fullMu           sync.Mutex
	fullByProducer   map[int]map[string]bool // producer id -> full stream names
	observerStreams  map[string]bool         // streams exempt from deadlock resolution
	streamsByName    map[string]*stream.InputStreamManager

	cancelled int32
	paused    int32
	hasError  int32
	errAcc    *apperr.Accumulator

	inFlight int64

	idleMu          sync.Mutex
	idleCond        *sync.Cond
	doneCond        *sync.Cond
	terminated      bool
	observedEmitted int64

	reportDeadlock bool
	deadlockStop   chan struct{}
	deadlockDone   chan struct{}

	metrics metricsSet
}

type metricsSet struct {
	inFlight       prometheus.Gauge
	throttledNodes prometheus.Gauge
	invocations    prometheus.Counter
	errors         prometheus.Counter
}

// Options configures a Scheduler at construction.
type Options struct {
	// ReportDeadlock, if true, records a structured error per deadlocked
	// stream instead of growing its queue.
	ReportDeadlock bool
	// DeadlockCheckInterval is how often the deadlock check runs; each tick
	// calls UnthrottleSources only when nothing is in flight and some
	// producer is throttled. Defaults to 50ms.
	DeadlockCheckInterval time.Duration
	Ancestors             AncestorLookup
}

func New(opts Options) *Scheduler {
	if opts.DeadlockCheckInterval <= 0 {
		opts.DeadlockCheckInterval = 50 * time.Millisecond
	}
	s := &Scheduler{
		nodesByID:      map[int]*nodeEntry{},
		executors:      map[string]executor.Executor{},
		queues:         map[executor.Executor]*schedulerQueue{},
		layerClosed:    map[int]int{},
		layerTotal:     map[int]int{},
		fullByProducer: map[int]map[string]bool{},
		observerStreams: map[string]bool{},
		streamsByName:  map[string]*stream.InputStreamManager{},
		errAcc:         apperr.NewAccumulator(maxAccumulatedErrors),
		ancestors:      opts.Ancestors,
		reportDeadlock: opts.ReportDeadlock,
		deadlockStop:   make(chan struct{}),
		deadlockDone:   make(chan struct{}),
		metrics:        newMetrics(),
	}
	s.idleCond = sync.NewCond(&s.idleMu)
	s.doneCond = sync.NewCond(&s.idleMu)
	s.executors[ReservedExecutorName] = executor.NewReserved()
	go s.deadlockLoop(opts.DeadlockCheckInterval)
	return s
}

func newMetrics() metricsSet {
	return metricsSet{
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: common.App, Subsystem: "scheduler", Name: "in_flight_invocations",
			Help: "invocations currently running across all nodes",
		}),
		throttledNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: common.App, Subsystem: "scheduler", Name: "throttled_nodes",
			Help: "nodes currently throttled by downstream backpressure",
		}),
		invocations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: common.App, Subsystem: "scheduler", Name: "invocations_total",
			Help: "node invocations run to completion",
		}),
		errors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: common.App, Subsystem: "scheduler", Name: "errors_total",
			Help: "errors accumulated across the run",
		}),
	}
}

// Collectors returns the scheduler's metrics for registration with a
// prometheus.Registerer.
func (s *Scheduler) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.metrics.inFlight, s.metrics.throttledNodes, s.metrics.invocations, s.metrics.errors}
}

// RegisterExecutor adds a named executor. name == ReservedExecutorName
// replaces the built-in synchronous executor.
func (s *Scheduler) RegisterExecutor(name string, ex executor.Executor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executors[name] = ex
	if s.defaultExecutor == "" && name != ReservedExecutorName {
		s.defaultExecutor = name
	}
}

func (s *Scheduler) SetDefaultExecutor(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultExecutor = name
}

// HasExecutor reports whether an executor named name is already registered.
func (s *Scheduler) HasExecutor(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.executors[name]
	return ok
}

// ScheduleOpen runs n.OpenNode on n's assigned executor and reports the
// result to onOpened (also called on that executor's goroutine). Installed
// as a node's ReadyForOpenCallback by the driver API.
func (s *Scheduler) ScheduleOpen(n *node.Node, onOpened func(err error)) {
	s.queueFor(n.Executor()).push(openPriority, func() {
		defer rescue.HandleCrash()
		err := n.OpenNode()
		if onOpened != nil {
			onOpened(err)
		}
	})
}

// openPriority sorts OpenNode calls ahead of every invocation already queued
// on the same executor: an unopened node can never run an invocation, so
// delaying its open behind data work only lengthens the pipeline.
const openPriority = math.MinInt64

func (s *Scheduler) executorFor(name string) executor.Executor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ex, ok := s.executors[name]; ok {
		return ex
	}
	if ex, ok := s.executors[s.defaultExecutor]; ok {
		return ex
	}
	return s.executors[ReservedExecutorName]
}

// queueFor returns the priority queue in front of the named executor,
// creating it on first use.
func (s *Scheduler) queueFor(name string) *schedulerQueue {
	ex := s.executorFor(name)
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[ex]
	if !ok {
		q = newSchedulerQueue(ex)
		s.queues[ex] = q
	}
	return q
}

// AddNode registers n with the scheduler and wires its scheduling callbacks.
// Must be called before PrepareForRun.
func (s *Scheduler) AddNode(n *node.Node) {
	s.mu.Lock()
	e := &nodeEntry{n: n, id: n.ID(), isSource: n.IsSource(), sourceLayer: n.SourceLayer()}
	s.nodes = append(s.nodes, e)
	s.nodesByID[n.ID()] = e
	if e.isSource {
		s.layerTotal[e.sourceLayer]++
		s.insertLayer(e.sourceLayer)
	}
	s.mu.Unlock()
}

func (s *Scheduler) insertLayer(layer int) {
	for _, l := range s.layers {
		if l == layer {
			return
		}
	}
	s.layers = append(s.layers, layer)
	for i := len(s.layers) - 1; i > 0 && s.layers[i] < s.layers[i-1]; i-- {
		s.layers[i], s.layers[i-1] = s.layers[i-1], s.layers[i]
	}
}

// RegisterInputStream lets the scheduler address a named input stream for
// throttling bookkeeping and observer-stream exemptions.
func (s *Scheduler) RegisterInputStream(name string, mgr *stream.InputStreamManager, isObserverStream bool) {
	s.fullMu.Lock()
	defer s.fullMu.Unlock()
	s.streamsByName[name] = mgr
	if isObserverStream {
		s.observerStreams[name] = true
	}
}

// NodeScheduleCallback is installed as a node.Config.ScheduleCallback; it
// dispatches the invocation to the node's assigned executor. It does not
// consult throttling; only source steps (stepSource) are held back by it.
func (s *Scheduler) NodeScheduleCallback(n *node.Node, t timestamp.Timestamp, inputs packet.Set) {
	// A cancelled or errored run schedules nothing further; nodes left open
	// are force-closed by the driver's post-run cleanup.
	if atomic.LoadInt32(&s.cancelled) != 0 || atomic.LoadInt32(&s.hasError) != 0 {
		return
	}
	s.runInvocation(n, t, inputs)
}

func (s *Scheduler) runInvocation(n *node.Node, t timestamp.Timestamp, inputs packet.Set) {
	atomic.AddInt64(&s.inFlight, 1)
	s.metrics.inFlight.Inc()
	s.queueFor(n.Executor()).push(int64(t), func() {
		defer func() {
			n.EndScheduling()
			atomic.AddInt64(&s.inFlight, -1)
			s.metrics.inFlight.Dec()
			s.metrics.invocations.Inc()
			s.wakeIdleWaiters()
		}()
		var perr error
		func() {
			defer rescue.HandleCrashWithError(&perr)
			perr = n.ProcessInvocation(t, inputs)
		}()
		if perr != nil {
			s.RecordError(perr)
		}
	})
}

// ActivateInitialSourceLayer marks every source node in the smallest
// present source layer Active, the layer the scheduler starts with. Call
// once after every node has been opened.
func (s *Scheduler) ActivateInitialSourceLayer() {
	s.mu.Lock()
	s.started = true
	var toActivate []*nodeEntry
	if len(s.layers) > 0 {
		layer := s.layers[0]
		for _, e := range s.nodes {
			if e.isSource && e.sourceLayer == layer {
				toActivate = append(toActivate, e)
			}
		}
	}
	s.mu.Unlock()
	for _, e := range toActivate {
		e.n.ActivateNode()
		s.stepSource(e)
	}
}

// StartSource begins a source node's repeated-invocation loop: the node has
// no input streams, so the scheduler itself drives successive Process
// calls, one at a time, gated by TryToBeginScheduling and throttling. A
// source whose layer is not yet active stays Opened; layer promotion (or
// ActivateInitialSourceLayer) steps it later.
func (s *Scheduler) StartSource(n *node.Node) {
	s.mu.Lock()
	e := s.nodesByID[n.ID()]
	layerActive := s.started && s.activeLayer < len(s.layers) &&
		e != nil && s.layers[s.activeLayer] == e.sourceLayer
	s.mu.Unlock()
	if e == nil || !layerActive {
		return
	}
	e.n.ActivateNode()
	s.stepSource(e)
}

func (s *Scheduler) stepSource(e *nodeEntry) {
	if atomic.LoadInt32(&s.cancelled) != 0 || atomic.LoadInt32(&s.paused) != 0 ||
		atomic.LoadInt32(&s.hasError) != 0 {
		return
	}
	if e.n.Status() == node.Closed {
		s.nodeClosed(e)
		return
	}
	if s.isThrottled(e.id) {
		return // resumed by unthrottle edge via ScheduleUnthrottledReadyNodes
	}
	if !e.n.TryToBeginScheduling() {
		return
	}
	seq := atomic.AddInt64(&e.seq, 1)
	atomic.AddInt64(&s.inFlight, 1)
	s.metrics.inFlight.Inc()
	s.queueFor(e.n.Executor()).push(int64(e.n.SourceProcessOrder()), func() {
		var perr error
		func() {
			defer rescue.HandleCrashWithError(&perr)
			perr = e.n.ProcessInvocation(timestamp.Timestamp(seq), nil)
		}()
		e.n.EndScheduling()
		atomic.AddInt64(&s.inFlight, -1)
		s.metrics.inFlight.Dec()
		s.metrics.invocations.Inc()
		s.wakeIdleWaiters()
		if perr != nil {
			s.RecordError(perr)
		}
		s.stepSource(e)
	})
}

// nodeClosed runs the layer-promotion/termination bookkeeping for e's
// closure. It is reached two ways for the same close: synchronously via
// e.n's ClosedCallback (wired to NotifyNodeClosed), and again when
// stepSource's own Closed-status guard reschedules after ProcessInvocation
// returns. Must count each node's closure at most once.
func (s *Scheduler) nodeClosed(e *nodeEntry) {
	s.mu.Lock()
	if e.closeNotified {
		s.mu.Unlock()
		return
	}
	e.closeNotified = true
	s.mu.Unlock()

	if !e.isSource {
		s.maybeTerminate()
		return
	}
	s.mu.Lock()
	s.layerClosed[e.sourceLayer]++
	closedAll := s.layerClosed[e.sourceLayer] >= s.layerTotal[e.sourceLayer]
	var toActivate []*nodeEntry
	if closedAll && s.activeLayer < len(s.layers) && s.layers[s.activeLayer] == e.sourceLayer {
		s.activeLayer++
		if s.activeLayer < len(s.layers) {
			nextLayer := s.layers[s.activeLayer]
			for _, other := range s.nodes {
				if other.isSource && other.sourceLayer == nextLayer {
					toActivate = append(toActivate, other)
				}
			}
		}
	}
	s.mu.Unlock()
	for _, other := range toActivate {
		other.n.ActivateNode()
		s.stepSource(other)
	}
	s.maybeTerminate()
}

// isThrottled reports whether producer id currently has any full
// descendant stream registered against it.
func (s *Scheduler) isThrottled(producerID int) bool {
	s.fullMu.Lock()
	defer s.fullMu.Unlock()
	return len(s.fullByProducer[producerID]) > 0
}

// Throttled is the exported form of isThrottled for producers the
// scheduler does not itself drive — namely graph input streams, which have
// no nodeEntry and are stepped by the driver's AddPacketToInputStream
// instead of stepSource.
func (s *Scheduler) Throttled(producerID int) bool { return s.isThrottled(producerID) }

// WaitUntilUnthrottled blocks a WAIT_TILL_NOT_FULL graph input's
// AddPacketToInputStream call until producerID is no longer throttled, the
// run is cancelled, or an error has been recorded.
func (s *Scheduler) WaitUntilUnthrottled(producerID int) {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for s.isThrottled(producerID) && atomic.LoadInt32(&s.cancelled) == 0 && atomic.LoadInt32(&s.hasError) == 0 {
		s.idleCond.Wait()
	}
}

// NotifyStreamFullness is the becomes-full/becomes-not-full queue callback
// wired to every input stream; it walks AncestorSources(streamOwnerID) and
// updates each ancestor's full-set under the scheduler's single throttling
// mutex.
func (s *Scheduler) NotifyStreamFullness(streamOwnerID int, streamName string, full bool) {
	if s.ancestors == nil {
		return
	}
	ancestors := s.ancestors(streamOwnerID)

	var toResume []*nodeEntry
	s.fullMu.Lock()
	for a := range ancestors {
		set := s.fullByProducer[a]
		if set == nil {
			set = map[string]bool{}
			s.fullByProducer[a] = set
		}
		wasThrottled := len(set) > 0
		if full {
			set[streamName] = true
		} else {
			delete(set, streamName)
		}
		isThrottled := len(set) > 0
		if wasThrottled && !isThrottled {
			s.mu.Lock()
			if e, ok := s.nodesByID[a]; ok {
				toResume = append(toResume, e)
			}
			s.mu.Unlock()
		}
	}
	s.fullMu.Unlock()
	s.updateThrottledGauge()
	s.wakeIdleWaiters()

	for _, e := range toResume {
		if e.isSource {
			s.stepSource(e)
		} else {
			e.n.CheckIfBecameReady()
		}
	}
}

func (s *Scheduler) updateThrottledGauge() {
	s.fullMu.Lock()
	n := 0
	for _, set := range s.fullByProducer {
		if len(set) > 0 {
			n++
		}
	}
	s.fullMu.Unlock()
	s.metrics.throttledNodes.Set(float64(n))
}

// UnthrottleSources runs the deadlock-resolution pass: every
// full stream not exempted as an observer/poller stream either reports a
// deadlock error (ReportDeadlock) or has its max_queue_size grown by one.
// Returns whether any full streams were found.
func (s *Scheduler) UnthrottleSources() bool {
	s.fullMu.Lock()
	full := map[string]bool{}
	for _, set := range s.fullByProducer {
		for name := range set {
			if !s.observerStreams[name] {
				full[name] = true
			}
		}
	}
	s.fullMu.Unlock()

	for name := range full {
		s.fullMu.Lock()
		mgr := s.streamsByName[name]
		s.fullMu.Unlock()
		if mgr == nil {
			continue
		}
		if s.reportDeadlock {
			s.RecordError(apperr.Newf(apperr.Unavailable, "scheduler",
				"deadlock detected: stream %q is full and no downstream node is runnable", name))
			continue
		}
		mgr.SetMaxQueueSize(mgr.MaxQueueSize() + 1)
	}
	return len(full) > 0
}

func (s *Scheduler) deadlockLoop(interval time.Duration) {
	defer close(s.deadlockDone)
	defer rescue.HandleCrash()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.deadlockStop:
			return
		case <-t.C:
			if atomic.LoadInt32(&s.cancelled) != 0 {
				return
			}
			if atomic.LoadInt64(&s.inFlight) == 0 && s.anyThrottled() {
				s.UnthrottleSources()
			}
		}
	}
}

func (s *Scheduler) anyThrottled() bool {
	s.fullMu.Lock()
	defer s.fullMu.Unlock()
	for _, set := range s.fullByProducer {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// RecordError appends err to the run's error list, raising has_error and
// aborting (by panicking, surfaced to the caller as a fatal accumulator
// state) above maxAccumulatedErrors.
func (s *Scheduler) RecordError(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	// The accumulator stops recording at maxAccumulatedErrors, so an error
	// arriving once it is full is the one above the cap.
	overCap := s.errAcc.Count() >= maxAccumulatedErrors
	s.errAcc.Add(err)
	s.mu.Unlock()
	atomic.StoreInt32(&s.hasError, 1)
	s.metrics.errors.Inc()
	s.wakeIdleWaiters()
	if overCap {
		panic("scheduler: accumulated error count exceeded hard cap")
	}
}

func (s *Scheduler) HasError() bool { return atomic.LoadInt32(&s.hasError) != 0 }

// Errors returns the accumulated run error, or nil.
func (s *Scheduler) Errors() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errAcc.ErrorOrNil()
}

// Cancel cooperatively stops the run: no new invocations are scheduled, but
// in-flight ones complete.
func (s *Scheduler) Cancel() {
	atomic.StoreInt32(&s.cancelled, 1)
	s.wakeIdleWaiters()
}

func (s *Scheduler) Cancelled() bool { return atomic.LoadInt32(&s.cancelled) != 0 }

// Pause stops source nodes from starting further invocations; invocations
// already dispatched (including every non-source node's, since its inputs
// were already popped off the stream before dispatch) run to completion.
// A coarse, source-only pause, not a mid-stream freeze.
func (s *Scheduler) Pause() {
	atomic.StoreInt32(&s.paused, 1)
}

// Resume clears Pause and re-drives every source in the active layer.
func (s *Scheduler) Resume() {
	atomic.StoreInt32(&s.paused, 0)
	s.mu.Lock()
	var toStep []*nodeEntry
	if s.activeLayer < len(s.layers) {
		layer := s.layers[s.activeLayer]
		for _, e := range s.nodes {
			if e.isSource && e.sourceLayer == layer {
				toStep = append(toStep, e)
			}
		}
	}
	s.mu.Unlock()
	for _, e := range toStep {
		s.stepSource(e)
	}
	s.wakeIdleWaiters()
}

func (s *Scheduler) Paused() bool { return atomic.LoadInt32(&s.paused) != 0 }

// WaitUntilIdle blocks until no invocations are in flight.
func (s *Scheduler) WaitUntilIdle() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for atomic.LoadInt64(&s.inFlight) != 0 {
		s.idleCond.Wait()
	}
}

// WaitUntilDone blocks until the run is marked terminated (all sources
// closed and every non-source node closed or drained), cancelled, or failed.
func (s *Scheduler) WaitUntilDone() {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	for !s.terminated && atomic.LoadInt32(&s.cancelled) == 0 && atomic.LoadInt32(&s.hasError) == 0 {
		s.doneCond.Wait()
	}
}

// EmittedObservedOutput records that a packet reached an observed output
// stream, waking any WaitForObservedOutput caller.
func (s *Scheduler) EmittedObservedOutput() {
	s.idleMu.Lock()
	s.observedEmitted++
	s.doneCond.Broadcast()
	s.idleMu.Unlock()
}

// WaitForObservedOutput blocks until some observed output stream emits a
// packet that was not yet emitted when the call was made, or until the run
// terminates, is cancelled, or records an error. Returns whether a new
// emission was seen.
func (s *Scheduler) WaitForObservedOutput() bool {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	seen := s.observedEmitted
	for s.observedEmitted == seen && !s.terminated &&
		atomic.LoadInt32(&s.cancelled) == 0 && atomic.LoadInt32(&s.hasError) == 0 {
		s.doneCond.Wait()
	}
	return s.observedEmitted > seen
}

// Terminated reports whether the run has reached the normal-termination
// condition: all sources closed, every non-source node closed or drained.
func (s *Scheduler) Terminated() bool {
	s.idleMu.Lock()
	defer s.idleMu.Unlock()
	return s.terminated
}

// wakeIdleWaiters wakes both WaitUntilIdle and WaitUntilDone: every caller
// of this (invocation completion, Cancel, Resume) changes either inFlight
// or the cancelled flag, and both Wait loops re-check their own predicate
// against whichever changed.
func (s *Scheduler) wakeIdleWaiters() {
	s.idleMu.Lock()
	s.idleCond.Broadcast()
	s.doneCond.Broadcast()
	s.idleMu.Unlock()
}

// maybeTerminate checks whether every node has reached a terminal state and
// signals WaitUntilDone waiters if so.
func (s *Scheduler) maybeTerminate() {
	s.mu.Lock()
	allClosed := true
	for _, e := range s.nodes {
		if e.n.Status() != node.Closed {
			allClosed = false
			break
		}
	}
	s.mu.Unlock()
	if !allClosed {
		return
	}
	s.idleMu.Lock()
	s.terminated = true
	s.doneCond.Broadcast()
	s.idleMu.Unlock()
}

// NotifyNodeClosed must be called by the node runtime (or its scheduler
// wiring) whenever a node transitions to Closed, to drive source-layer
// promotion and termination detection.
func (s *Scheduler) NotifyNodeClosed(n *node.Node) {
	s.mu.Lock()
	e := s.nodesByID[n.ID()]
	s.mu.Unlock()
	if e == nil {
		return
	}
	s.nodeClosed(e)
}

// Stop releases the scheduler's background deadlock-detection goroutine.
// Call once after WaitUntilDone/Cancel.
func (s *Scheduler) Stop() {
	select {
	case <-s.deadlockStop:
	default:
		close(s.deadlockStop)
	}
	<-s.deadlockDone
}
