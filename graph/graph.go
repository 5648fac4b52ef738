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

// Package graph implements the driver-facing API: the single entry point
// an application uses to assemble a validated graphcontract.Description
// with live calculators, drive one run through it, and feed/observe its
// graph input and output streams.
package graph

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cast"

	"github.com/graphrun/graphrun/apperr"
	"github.com/graphrun/graphrun/calculator"
	"github.com/graphrun/graphrun/executor"
	"github.com/graphrun/graphrun/graphcontract"
	"github.com/graphrun/graphrun/handler"
	"github.com/graphrun/graphrun/metrics"
	"github.com/graphrun/graphrun/node"
	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/scheduler"
	"github.com/graphrun/graphrun/stream"
	"github.com/graphrun/graphrun/timestamp"
	"github.com/graphrun/graphrun/tracing"
)

// Mode selects how AddPacketToInputStream behaves against a throttled graph
// input.
type Mode int

const (
	// ModeAddIfNotFull returns an Unavailable error immediately instead of
	// blocking when the stream is throttled.
	ModeAddIfNotFull Mode = iota
	// ModeWaitTillNotFull blocks the caller until the stream is unthrottled,
	// the run is cancelled, or an error (including a reported deadlock) has
	// been recorded.
	ModeWaitTillNotFull
)

// Config wires a Graph's static dependencies: the validated topology, the
// calculator behind every node, and the executors the scheduler dispatches
// onto. Executor assignment is folded into this struct (one shot, before
// construction) rather than kept as a separate SetExecutor call, since Go
// naturally expresses "before construction" as constructor arguments.
type Config struct {
	Description *graphcontract.Description
	// Calculators maps every node name in Description to the Calculator
	// instance that runs behind it.
	Calculators map[string]calculator.Calculator
	// SidePackets supplies the run's initial input side packets, by name,
	// available to StartRun without repeating them there.
	SidePackets map[string]packet.Packet
	// GraphInputModes overrides AddPacketToInputStream's throttle behavior
	// per graph input name; unlisted inputs default to ModeAddIfNotFull.
	GraphInputModes map[string]Mode

	// Executors are registered with the scheduler under their map key
	// before any node is constructed. A "default" entry is synthesized
	// from DefaultExecutorSize (or executor.DefaultPoolSize) if absent.
	Executors           map[string]executor.Executor
	DefaultExecutorSize int

	ReportDeadlock        bool
	DeadlockCheckInterval time.Duration

	Tracer *tracing.Tracer

	// MetricsRegistry, if non-nil, registers the scheduler's gauges/counters
	// and the shared CounterFactory's counter_total vector so a process
	// embedding Graph can scrape them (debugserver's /metrics route, or any
	// promhttp.Handler). Nil skips registration; counters still work, just
	// unexported.
	MetricsRegistry prometheus.Registerer
}

type graphInputStream struct {
	name      string
	out       *stream.OutputStreamManager
	virtualID int
	mode      Mode
}

// sidePacketLoc locates a declared output side packet by the node that
// produces it and its index within that node's OutputSidePackets.
type sidePacketLoc struct {
	nodeIdx int
	outIdx  int
}

// Graph drives one calculator-graph run: the validated topology plus the
// live stream managers, nodes, and scheduler built from it.
type Graph struct {
	desc   *graphcontract.Description
	sched  *scheduler.Scheduler
	tracer *tracing.Tracer

	nodes    []*node.Node
	isSource []bool

	graphInputs   map[string]*graphInputStream
	outputsByName map[string]*stream.OutputStreamManager

	sidePacketOutputIndex map[string]sidePacketLoc
	initialSidePackets    map[string]packet.Packet

	ownedExecutors []executor.Executor

	mu           sync.Mutex
	started      bool
	runID        string
	sourceOpenWG *sync.WaitGroup

	observedMu sync.Mutex
	observed   map[string]*observedStream

	finishOnce sync.Once
}

// New validates and wires cfg.Description into a runnable Graph: one
// InputStreamManager per edge (mirroring each producer's output), one
// OutputStreamManager per node output and declared graph input, and one
// node.Node per graphcontract.NodeDesc, all registered with a fresh
// scheduler. It does not start any invocation (that is StartRun's job).
func New(cfg Config) (*Graph, error) {
	if cfg.Description == nil {
		return nil, apperr.Newf(apperr.InvalidArgument, "graph.New", "description is required")
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = tracing.NoOp()
	}

	g := &Graph{
		desc:                  cfg.Description,
		tracer:                tracer,
		graphInputs:           map[string]*graphInputStream{},
		outputsByName:         map[string]*stream.OutputStreamManager{},
		sidePacketOutputIndex: map[string]sidePacketLoc{},
		initialSidePackets:    map[string]packet.Packet{},
		observed:              map[string]*observedStream{},
	}
	for name, p := range cfg.SidePackets {
		g.initialSidePackets[name] = p
	}

	g.sched = scheduler.New(scheduler.Options{
		ReportDeadlock:        cfg.ReportDeadlock,
		DeadlockCheckInterval: cfg.DeadlockCheckInterval,
		Ancestors:             cfg.Description.AncestorSources,
	})

	for name, ex := range cfg.Executors {
		g.sched.RegisterExecutor(name, ex)
	}
	if !g.sched.HasExecutor("default") {
		size := cfg.DefaultExecutorSize
		if size <= 0 {
			size = executor.DefaultPoolSize(cfg.Description.NumNodes())
		}
		pool := executor.NewThreadPool(size, 0)
		g.sched.RegisterExecutor("default", pool)
		g.ownedExecutors = append(g.ownedExecutors, pool)
	}
	g.sched.SetDefaultExecutor("default")

	counters := metrics.NewCounterFactory(cfg.MetricsRegistry)
	if cfg.MetricsRegistry != nil {
		for _, c := range g.sched.Collectors() {
			cfg.MetricsRegistry.MustRegister(c)
		}
	}

	producerOut := map[string]*stream.OutputStreamManager{}
	producerID := map[string]int{}
	for _, name := range cfg.Description.GraphInputNames() {
		vid, _ := cfg.Description.GraphInputVirtualID(name)
		out := stream.NewOutputStreamManager(name, timestamp.NoOffset)
		mode := cfg.GraphInputModes[name]
		gi := &graphInputStream{name: name, out: out, virtualID: vid, mode: mode}
		g.graphInputs[name] = gi
		g.outputsByName[name] = out
		producerOut[name] = out
		producerID[name] = vid
	}

	numNodes := cfg.Description.NumNodes()
	g.nodes = make([]*node.Node, numNodes)
	g.isSource = make([]bool, numNodes)

	for i := 0; i < numNodes; i++ {
		nd := cfg.Description.Node(i)
		calc := cfg.Calculators[nd.Name]
		if calc == nil {
			return nil, apperr.Newf(apperr.InvalidArgument, "graph.New", "node %q has no calculator", nd.Name)
		}

		ims := make([]*stream.InputStreamManager, len(nd.InputStreams))
		for j, inName := range nd.InputStreams {
			backEdge := j < len(nd.InputBackEdges) && nd.InputBackEdges[j]
			im := stream.NewInputStreamManager(inName, backEdge)
			if nd.BufferSizeHint > 0 {
				im.SetMaxQueueSize(nd.BufferSizeHint)
			}
			out, ok := producerOut[inName]
			if !ok {
				return nil, apperr.Newf(apperr.InvalidArgument, "graph.New", "node %q: input %q has no producer", nd.Name, inName)
			}
			out.AddMirror(im)
			ims[j] = im

			qualified := graphcontract.QualifiedStreamKey(nd.Name, inName)
			ancestorOf := producerID[inName]
			g.sched.RegisterInputStream(qualified, im, false)
			im.SetQueueSizeCallbacks(
				func(s *stream.InputStreamManager, full bool) { g.sched.NotifyStreamFullness(ancestorOf, qualified, full) },
				func(s *stream.InputStreamManager, full bool) { g.sched.NotifyStreamFullness(ancestorOf, qualified, full) },
			)
		}

		oms := make([]*stream.OutputStreamManager, len(nd.OutputStreams))
		for j, outName := range nd.OutputStreams {
			var offset timestamp.Offset
			if j < len(nd.OutputOffsets) {
				offset = nd.OutputOffsets[j]
			}
			om := stream.NewOutputStreamManager(outName, offset)
			oms[j] = om
			producerOut[outName] = om
			producerID[outName] = i
			g.outputsByName[outName] = om
		}

		var ih handler.NodeInputHandler
		if len(ims) > 0 {
			bindings := make([]handler.InputStream, len(ims))
			for j, im := range ims {
				bindings[j] = im
			}
			built, err := buildInputHandler(nd, bindings, ims)
			if err != nil {
				return nil, apperr.New(apperr.InvalidArgument, "graph.New", err)
			}
			ih = built.nodeInput
			for _, im := range ims {
				im.SetHeaderResolvedCallback(built.notifyHeaderSet)
			}
		}

		var oh *handler.OutputStreamHandler
		if len(oms) > 0 {
			oh = handler.NewOutputStreamHandler(oms)
		}

		isSource := len(nd.InputStreams) == 0 && len(nd.OutputStreams) > 0
		g.isSource[i] = isSource

		nodeIdx := i
		var readyCb func(*node.Node)
		if nd.Kind != graphcontract.KindSidePacketGenerator {
			readyCb = func(n *node.Node) {
				g.sched.ScheduleOpen(n, func(err error) { g.onNodeOpened(nodeIdx, err) })
			}
		}

		n := node.New(node.Config{
			Name:                     nd.Name,
			ID:                       i,
			Executor:                 executorName(nd.Executor),
			SourceLayer:              nd.SourceLayer,
			MaxInFlight:              nd.MaxInFlight,
			Calculator:               calc,
			InputStreams:             ims,
			OutputStreams:            oms,
			InputHandler:             ih,
			OutputHandler:            oh,
			NumOutputSidePackets:     len(nd.OutputSidePackets),
			Counters:                 counters,
			ReadyForOpenCallback:     readyCb,
			ScheduleCallback:         g.sched.NodeScheduleCallback,
			SourceNodeOpenedCallback: func(n *node.Node) { g.sched.StartSource(n) },
			ErrorCallback:            func(n *node.Node, err error) { g.sched.RecordError(err) },
			ClosedCallback:           g.sched.NotifyNodeClosed,
		})
		g.nodes[i] = n
		g.sched.AddNode(n)

		for _, im := range ims {
			im.SetArrivalCallback(n.CheckIfBecameReady)
		}
		for j, spName := range nd.OutputSidePackets {
			g.sidePacketOutputIndex[spName] = sidePacketLoc{nodeIdx: i, outIdx: j}
		}
	}

	return g, nil
}

type builtHandler struct {
	nodeInput       handler.NodeInputHandler
	notifyHeaderSet func()
}

// buildInputHandler decodes nd's declared policy/options into a concrete
// input stream handler, wrapping it in a fixed-size handler when requested.
func buildInputHandler(nd graphcontract.NodeDesc, bindings []handler.InputStream, ims []*stream.InputStreamManager) (*builtHandler, error) {
	h, err := handler.NewInputStreamHandler(policyFor(nd.InputHandler), bindings, nd.HandlerOptions)
	if err != nil {
		return nil, err
	}
	if nd.InputHandler != "fixed_size" {
		return &builtHandler{nodeInput: h, notifyHeaderSet: h.NotifyHeaderSet}, nil
	}

	keep, _ := cast.ToIntE(nd.HandlerOptions["keep"])
	if keep <= 0 {
		keep = 1
	}
	fsStreams := make([]handler.FixedSizeStream, len(ims))
	for i, im := range ims {
		fsStreams[i] = im
	}
	fs := handler.NewFixedSizeInputStreamHandler(h, fsStreams, keep)
	return &builtHandler{nodeInput: fs, notifyHeaderSet: fs.NotifyHeaderSet}, nil
}

func policyFor(name string) handler.Policy {
	switch name {
	case "immediate":
		return handler.PolicyImmediate
	case "barrier":
		return handler.PolicyBarrier
	default:
		return handler.PolicyDefault
	}
}

func executorName(name string) string {
	if name == "" {
		return "default"
	}
	return name
}

func (g *Graph) onNodeOpened(nodeIdx int, _ error) {
	if !g.isSource[nodeIdx] {
		return
	}
	g.mu.Lock()
	wg := g.sourceOpenWG
	g.mu.Unlock()
	if wg != nil {
		wg.Done()
	}
}

// StartRun resolves every node's side packets (running side-packet
// generators synchronously, in declaration order, first), installs any
// supplied graph-input headers, and activates the scheduler's initial
// source layer once every source node has opened.
func (g *Graph) StartRun(extraSidePackets map[string]packet.Packet, headers map[string]packet.Packet) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return apperr.Newf(apperr.AlreadyExists, "graph.StartRun", "run already started")
	}
	g.started = true
	g.runID = uuid.NewString()
	g.mu.Unlock()

	values := make(map[string]packet.Packet, len(g.initialSidePackets)+len(extraSidePackets))
	for k, v := range g.initialSidePackets {
		values[k] = v
	}
	for k, v := range extraSidePackets {
		values[k] = v
	}

	numNodes := g.desc.NumNodes()
	sourceCount := 0
	for i := 0; i < numNodes; i++ {
		nd := g.desc.Node(i)
		if nd.Kind != graphcontract.KindSidePacketGenerator && g.isSource[i] {
			sourceCount++
		}
	}
	wg := &sync.WaitGroup{}
	wg.Add(sourceCount)
	g.mu.Lock()
	g.sourceOpenWG = wg
	g.mu.Unlock()

	// Generators run to completion, in declaration order, before any
	// streaming node's side packets are resolved: a streaming node may
	// depend on a generator declared later in the description, and one
	// generator's side packet may itself depend on an earlier one's output.
	for i := 0; i < numNodes; i++ {
		nd := g.desc.Node(i)
		if nd.Kind != graphcontract.KindSidePacketGenerator {
			continue
		}
		sp, err := g.sidePacketSetFor(nd, values)
		if err != nil {
			return apperr.New(apperr.Unavailable, "graph.StartRun", err)
		}
		n := g.nodes[i]
		if err := n.PrepareForRun(sp); err != nil {
			return apperr.New(apperr.Internal, "graph.StartRun", err)
		}
		_, end := g.tracer.StartInvocation(context.Background(), nd.Name, timestamp.Unstarted)
		openErr := n.OpenNode()
		end(openErr)
		if openErr != nil {
			return apperr.New(apperr.Internal, "graph.StartRun", openErr)
		}
		if err := n.CloseNode(false); err != nil {
			return apperr.New(apperr.Internal, "graph.StartRun", err)
		}
	}

	for i := 0; i < numNodes; i++ {
		nd := g.desc.Node(i)
		if nd.Kind == graphcontract.KindSidePacketGenerator {
			continue
		}
		sp, err := g.sidePacketSetFor(nd, values)
		if err != nil {
			return apperr.New(apperr.Unavailable, "graph.StartRun", err)
		}
		if err := g.nodes[i].PrepareForRun(sp); err != nil {
			return apperr.New(apperr.Internal, "graph.StartRun", err)
		}
	}

	for name, h := range headers {
		gi, ok := g.graphInputs[name]
		if !ok {
			return apperr.Newf(apperr.InvalidArgument, "graph.StartRun", "unknown graph input stream %q for header", name)
		}
		if err := gi.out.SetHeader(h); err != nil {
			return apperr.New(apperr.Internal, "graph.StartRun", err)
		}
	}

	wg.Wait()
	g.sched.ActivateInitialSourceLayer()
	return nil
}

func (g *Graph) sidePacketSetFor(nd graphcontract.NodeDesc, values map[string]packet.Packet) (packet.Set, error) {
	set := packet.NewSet(len(nd.InputSidePackets))
	for i, name := range nd.InputSidePackets {
		p, err := g.resolveSidePacket(name, values)
		if err != nil {
			return nil, err
		}
		set[i] = p
	}
	return set, nil
}

// resolveSidePacket looks up name among already-produced generator outputs
// first, then the supplied value map, failing fast instead of letting
// StartRun hang waiting on a side packet nothing will ever supply.
func (g *Graph) resolveSidePacket(name string, values map[string]packet.Packet) (packet.Packet, error) {
	if loc, ok := g.sidePacketOutputIndex[name]; ok {
		p, ok2 := g.nodes[loc.nodeIdx].GetOutputSidePacket(loc.outIdx)
		if !ok2 {
			return packet.Packet{}, apperr.Newf(apperr.Internal, "graph.resolveSidePacket",
				"side packet %q not yet produced by node %q", name, g.desc.Node(loc.nodeIdx).Name)
		}
		return p, nil
	}
	if p, ok := values[name]; ok {
		return p, nil
	}
	return packet.Packet{}, apperr.Newf(apperr.NotFound, "graph.resolveSidePacket",
		"side packet %q has no producer or supplied value", name)
}

// AddPacketToInputStream feeds p to the graph input stream named name,
// honoring that stream's throttle Mode.
func (g *Graph) AddPacketToInputStream(name string, p packet.Packet) error {
	gi, ok := g.graphInputs[name]
	if !ok {
		return apperr.Newf(apperr.NotFound, "graph.AddPacketToInputStream", "unknown graph input stream %q", name)
	}

	if gi.mode == ModeWaitTillNotFull {
		g.sched.WaitUntilUnthrottled(gi.virtualID)
		if g.sched.HasError() {
			return apperr.New(apperr.Aborted, "graph.AddPacketToInputStream", g.sched.Errors())
		}
		if g.sched.Cancelled() {
			return apperr.Newf(apperr.Aborted, "graph.AddPacketToInputStream", "run cancelled")
		}
	} else if g.sched.Throttled(gi.virtualID) {
		return apperr.Newf(apperr.Unavailable, "graph.AddPacketToInputStream", "stream %q is throttled", name)
	}

	var sh stream.Shard
	sh.AddPacket(p)
	bound := p.Timestamp().NextAllowedInStream()
	if err := gi.out.PropagateUpdatesToMirrors(bound, &sh); err != nil {
		return apperr.New(apperr.Internal, "graph.AddPacketToInputStream", err)
	}
	return nil
}

// CloseInputStream propagates Done on the named graph input. Safe to call
// more than once.
func (g *Graph) CloseInputStream(name string) error {
	gi, ok := g.graphInputs[name]
	if !ok {
		return apperr.Newf(apperr.NotFound, "graph.CloseInputStream", "unknown graph input stream %q", name)
	}
	gi.out.Close()
	return nil
}

// CloseAllPacketSources closes every graph input stream and forces every
// source node closed: the coarse, drain-everything shutdown.
func (g *Graph) CloseAllPacketSources() {
	for _, gi := range g.graphInputs {
		gi.out.Close()
	}
	for i, n := range g.nodes {
		if g.isSource[i] {
			_ = n.CloseNode(true)
		}
	}
}

// GetOutputSidePacket returns the named output side packet. It may succeed
// before the run terminates only if a side-packet generator produced it;
// a streaming node's output side packet is only observable once the run is
// done.
func (g *Graph) GetOutputSidePacket(name string) (packet.Packet, error) {
	loc, ok := g.sidePacketOutputIndex[name]
	if !ok {
		return packet.Packet{}, apperr.Newf(apperr.NotFound, "graph.GetOutputSidePacket", "unknown output side packet %q", name)
	}
	if p, ok := g.nodes[loc.nodeIdx].GetOutputSidePacket(loc.outIdx); ok {
		return p, nil
	}
	return packet.Packet{}, apperr.Newf(apperr.Unavailable, "graph.GetOutputSidePacket", "output side packet %q not yet available", name)
}

func (g *Graph) WaitUntilIdle() { g.sched.WaitUntilIdle() }

// WaitForObservedOutput blocks until a packet lands on any observed output
// stream, or until the run terminates, is cancelled, or errors. Returns
// false in the latter cases.
func (g *Graph) WaitForObservedOutput() bool { return g.sched.WaitForObservedOutput() }

// WaitUntilDone blocks until the run terminates or is cancelled, then runs
// every node's CleanupAfterRun and releases owned executors exactly once.
// The first call returns the combined run status: accumulated calculator and
// framework errors in record order, an Aborted status after Cancel, or nil.
func (g *Graph) WaitUntilDone() error {
	g.sched.WaitUntilDone()
	cancelled := g.sched.Cancelled() && !g.sched.Terminated()
	g.finishRun()
	if g.sched.HasError() {
		return apperr.New(apperr.Internal, "graph.WaitUntilDone", g.sched.Errors())
	}
	if cancelled {
		return apperr.Newf(apperr.Aborted, "graph.WaitUntilDone", "run cancelled")
	}
	return nil
}

func (g *Graph) finishRun() {
	g.finishOnce.Do(func() {
		for _, n := range g.nodes {
			n.CleanupAfterRun()
		}
		g.sched.Stop()
		for _, ex := range g.ownedExecutors {
			ex.Stop()
		}
	})
}

func (g *Graph) Cancel()        { g.sched.Cancel() }
func (g *Graph) Pause()         { g.sched.Pause() }
func (g *Graph) Resume()        { g.sched.Resume() }
func (g *Graph) HasError() bool { return g.sched.HasError() }
func (g *Graph) Errors() error  { return g.sched.Errors() }

func (g *Graph) RunID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.runID
}
