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

// Package node implements the per-calculator runtime state machine —
// Uninitialized → Prepared → Opened → (Active) → Closed — along with its
// scheduling loop and Process dispatch.
package node

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/graphrun/graphrun/calculator"
	"github.com/graphrun/graphrun/handler"
	"github.com/graphrun/graphrun/metrics"
	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/stream"
	"github.com/graphrun/graphrun/timestamp"
)

type Status int

const (
	Uninitialized Status = iota
	Prepared
	Opened
	Active
	Closed
)

func (s Status) String() string {
	switch s {
	case Prepared:
		return "prepared"
	case Opened:
		return "opened"
	case Active:
		return "active"
	case Closed:
		return "closed"
	default:
		return "uninitialized"
	}
}

type schedulingState int

const (
	schedIdle schedulingState = iota
	schedScheduling
	schedSchedulingPending
)

// Config wires a freshly constructed Node to its calculator and the stream
// and side-packet infrastructure graphcontract/graph assembled for it.
type Config struct {
	Name        string
	ID          int
	Executor    string
	SourceLayer int
	MaxInFlight int

	Calculator calculator.Calculator

	InputStreams  []*stream.InputStreamManager
	OutputStreams []*stream.OutputStreamManager

	InputHandler  handler.NodeInputHandler
	OutputHandler *handler.OutputStreamHandler

	NumOutputSidePackets int

	// Counters hands this node's Calculator a CounterFactory-backed
	// Context.Counter. Nil is valid: Context.Counter falls back to an
	// unregistered, process-local factory.
	Counters *metrics.CounterFactory

	// ReadyForOpenCallback is invoked (scheduler thread) once both input
	// headers and side packets are ready.
	ReadyForOpenCallback func(n *Node)
	// ScheduleCallback is invoked once per ready invocation, on the
	// node's own scheduling thread; the scheduler queue implementation
	// enqueues the unit of work it receives.
	ScheduleCallback func(n *Node, t timestamp.Timestamp, inputs packet.Set)
	// SourceNodeOpenedCallback marks this node's source layer active.
	SourceNodeOpenedCallback func(n *Node)
	// ErrorCallback reports a terminal error for this node to the graph.
	ErrorCallback func(n *Node, err error)
	// ClosedCallback is invoked once, after a node transitions to Closed,
	// so the scheduler can promote source layers and detect termination.
	ClosedCallback func(n *Node)
}

// Node is a calculator instance inside the graph runtime.
type Node struct {
	cfg Config

	mu                     sync.Mutex
	status                 Status
	schedulingState        schedulingState
	currentInFlight        int
	maxInFlight            int
	headersReadyCalled     bool
	sidePacketsReadyCalled bool
	headersReady           bool
	sidePacketsReady       bool
	needsToClose           bool

	sidePackets *packet.SidePacketHandler

	// outputSidePackets holds the last-published value per output side
	// packet index, used by the constant-outputs fast path.
	outputSidePackets []packet.Packet
	outputSideSet     []bool
}

func New(cfg Config) *Node {
	maxInFlight := cfg.MaxInFlight
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	return &Node{
		cfg:               cfg,
		maxInFlight:       maxInFlight,
		sidePackets:       &packet.SidePacketHandler{},
		outputSidePackets: make([]packet.Packet, cfg.NumOutputSidePackets),
		outputSideSet:     make([]bool, cfg.NumOutputSidePackets),
	}
}

func (n *Node) ID() int          { return n.cfg.ID }
func (n *Node) Name() string     { return n.cfg.Name }
func (n *Node) Executor() string { return n.cfg.Executor }
func (n *Node) SourceLayer() int { return n.cfg.SourceLayer }

// IsSource reports whether this node has no input streams but at least one
// output stream.
func (n *Node) IsSource() bool {
	return len(n.cfg.InputStreams) == 0 && len(n.cfg.OutputStreams) > 0
}

// SourceProcessOrder returns the calculator-declared scheduling priority for
// this source node (smaller runs first); calculators that do not implement
// calculator.SourceProcessOrderer default to 0 and fall back to FIFO among
// themselves.
func (n *Node) SourceProcessOrder() int {
	if o, ok := n.cfg.Calculator.(calculator.SourceProcessOrderer); ok {
		return o.SourceProcessOrder()
	}
	return 0
}

func (n *Node) DebugName() string {
	if n.cfg.Name != "" {
		return n.cfg.Name
	}
	return uuid.NewString()
}

func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// PrepareForRun resets the node for a new run: installs side packets,
// clears counters, and wires the input handler's headers-ready callback.
func (n *Node) PrepareForRun(sidePackets packet.Set) error {
	n.mu.Lock()
	n.status = Prepared
	n.schedulingState = schedIdle
	n.currentInFlight = 0
	n.headersReadyCalled = false
	n.sidePacketsReadyCalled = false
	n.headersReady = false
	n.sidePacketsReady = false
	n.needsToClose = false
	n.mu.Unlock()

	for _, s := range n.cfg.InputStreams {
		s.PrepareForRun()
	}
	for _, o := range n.cfg.OutputStreams {
		o.PrepareForRun()
	}

	if n.cfg.InputHandler != nil {
		n.cfg.InputHandler.PrepareForRun()
		n.cfg.InputHandler.SetHeadersReadyCallback(n.inputStreamHeadersReady)
	}

	n.sidePackets.PrepareForRun(len(sidePackets), n.inputSidePacketsReady, func(err error) {
		n.reportError(err)
	})
	for i, p := range sidePackets {
		if !p.IsEmpty() {
			n.sidePackets.Set(i, p)
		}
	}

	if len(n.cfg.InputStreams) == 0 {
		n.inputStreamHeadersReady()
	}
	return nil
}

func (n *Node) inputStreamHeadersReady() {
	n.mu.Lock()
	if n.headersReadyCalled {
		n.mu.Unlock()
		return
	}
	n.headersReadyCalled = true
	n.headersReady = true
	readyForOpen := n.sidePacketsReady
	n.mu.Unlock()

	if readyForOpen && n.cfg.ReadyForOpenCallback != nil {
		n.cfg.ReadyForOpenCallback(n)
	}
}

func (n *Node) inputSidePacketsReady() {
	n.mu.Lock()
	if n.sidePacketsReadyCalled {
		n.mu.Unlock()
		return
	}
	n.sidePacketsReadyCalled = true
	n.sidePacketsReady = true
	readyForOpen := n.headersReady
	n.mu.Unlock()

	if readyForOpen && n.cfg.ReadyForOpenCallback != nil {
		n.cfg.ReadyForOpenCallback(n)
	}
}

func (n *Node) ReadyForOpen() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.headersReady && n.sidePacketsReady
}

// OutputsAreConstant reports whether this node qualifies for the constant
// outputs fast path: no streaming I/O at all, and side packets identical to
// the prior run.
func (n *Node) OutputsAreConstant() bool {
	return len(n.cfg.InputStreams) == 0 &&
		len(n.cfg.OutputStreams) == 0 &&
		!n.sidePackets.InputSidePacketsChanged()
}

// OpenNode calls the calculator's Open, propagating side packets and
// committing any output side packets the calculator set. Source nodes
// additionally mark their layer active via SourceNodeOpenedCallback.
func (n *Node) OpenNode() error {
	n.mu.Lock()
	n.needsToClose = true
	n.mu.Unlock()

	if n.OutputsAreConstant() {
		// Side packets are unchanged from the prior run: skip Open/Process/
		// Close entirely and leave n.outputSidePackets holding the values
		// already published last run, so GetOutputSidePacket keeps serving
		// them unchanged.
		return n.closeLocked(false)
	}

	cc := calculator.NewContext(timestamp.Unstarted, nil, n.sidePackets.InputSidePackets(), nil, len(n.outputSidePackets), n.cfg.Name, n.cfg.Counters)
	if err := n.cfg.Calculator.Open(cc); err != nil {
		wrapped := errors.Wrapf(err, "node %s: Open failed", n.DebugName())
		n.reportError(wrapped)
		return wrapped
	}
	n.captureOutputSidePackets(cc)

	n.mu.Lock()
	n.status = Opened
	n.mu.Unlock()

	if n.IsSource() {
		if n.cfg.SourceNodeOpenedCallback != nil {
			n.cfg.SourceNodeOpenedCallback(n)
		}
	} else if n.cfg.InputHandler != nil && n.cfg.InputHandler.NumInputStreams() != 0 {
		n.CheckIfBecameReady()
	}
	return nil
}

// GetOutputSidePacket returns the node's published output side packet i, if
// any, usable by the driver API before or after a run completes.
func (n *Node) GetOutputSidePacket(i int) (packet.Packet, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if i < 0 || i >= len(n.outputSidePackets) {
		return packet.Packet{}, false
	}
	return n.outputSidePackets[i], n.outputSideSet[i]
}

func (n *Node) captureOutputSidePackets(cc *calculator.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := range n.outputSidePackets {
		if p, ok := cc.OutputSidePacket(i); ok {
			n.outputSidePackets[i] = p
			n.outputSideSet[i] = true
		}
	}
}

// ActivateNode transitions a source node from Opened to Active once its
// source layer becomes the scheduler's active layer.
func (n *Node) ActivateNode() {
	n.mu.Lock()
	if n.status == Opened {
		n.status = Active
	}
	n.mu.Unlock()
}

// TryToBeginScheduling atomically reserves one in-flight slot, returning
// false if the node is already at max_in_flight.
func (n *Node) TryToBeginScheduling() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.currentInFlight < n.maxInFlight {
		n.currentInFlight++
		return true
	}
	return false
}

// EndScheduling releases one in-flight slot and re-drives the scheduling
// loop per the Idle/Scheduling/SchedulingPending protocol.
func (n *Node) EndScheduling() {
	n.mu.Lock()
	if n.status != Opened && n.status != Active {
		n.mu.Unlock()
		return
	}
	n.currentInFlight--
	switch n.schedulingState {
	case schedScheduling:
		n.schedulingState = schedSchedulingPending
		n.mu.Unlock()
		return
	case schedSchedulingPending:
		n.mu.Unlock()
		return
	}
	n.schedulingState = schedScheduling
	n.mu.Unlock()
	n.schedulingLoop()
}

// CheckIfBecameReady re-enters the scheduling loop from a non-scheduling
// thread (a new packet arrival, a bound advance).
func (n *Node) CheckIfBecameReady() {
	n.mu.Lock()
	if n.status != Opened && n.status != Active {
		n.mu.Unlock()
		return
	}
	if n.schedulingState == schedIdle && n.currentInFlight < n.maxInFlight {
		n.schedulingState = schedScheduling
	} else {
		if n.schedulingState == schedScheduling {
			n.schedulingState = schedSchedulingPending
		}
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()
	n.schedulingLoop()
}

func (n *Node) schedulingLoop() {
	n.mu.Lock()
	if n.status == Closed {
		n.schedulingState = schedIdle
		n.mu.Unlock()
		return
	}
	maxAllowance := n.maxInFlight - n.currentInFlight
	n.mu.Unlock()

	for {
		if n.cfg.InputHandler != nil && maxAllowance > 0 {
			invocations, bound, hasBound := n.cfg.InputHandler.ScheduleInvocations(maxAllowance)
			if len(invocations) > 0 {
				// Reserve the in-flight slots before dispatch; each
				// invocation's EndScheduling releases one.
				n.mu.Lock()
				n.currentInFlight += len(invocations)
				n.mu.Unlock()
			}
			for _, inv := range invocations {
				if n.cfg.ScheduleCallback != nil {
					n.cfg.ScheduleCallback(n, inv.Timestamp, inv.Inputs)
				}
			}
			if hasBound && len(invocations) == 0 {
				n.propagateInputBound(bound)
			}
		}

		n.mu.Lock()
		if n.schedulingState == schedSchedulingPending && n.currentInFlight < n.maxInFlight {
			maxAllowance = n.maxInFlight - n.currentInFlight
			n.schedulingState = schedScheduling
			n.mu.Unlock()
			continue
		}
		n.schedulingState = schedIdle
		n.mu.Unlock()
		return
	}
}

func (n *Node) propagateInputBound(bound timestamp.Timestamp) {
	if n.cfg.OutputHandler == nil {
		return
	}
	shards := n.cfg.OutputHandler.NewShards()
	for _, sh := range shards {
		sh.SetNextTimestampBound(bound)
	}
	if err := n.cfg.OutputHandler.Commit(bound, shards); err != nil {
		n.reportError(err)
	}
}

// ProcessInvocation runs one Process call at timestamp t. On calculator.ErrStop
// it cascades into CloseNode; on t == timestamp.Done it closes without
// running the calculator; any other special timestamp is rejected as a
// framework bug.
func (n *Node) ProcessInvocation(t timestamp.Timestamp, inputs packet.Set) error {
	if t == timestamp.Done {
		return n.closeLocked(false)
	}
	if !t.IsAllowedInStream() {
		err := errors.Errorf("node %s: invocation at disallowed timestamp %s", n.DebugName(), t)
		n.reportError(err)
		return err
	}

	var shards []*handler.Shard
	if n.cfg.OutputHandler != nil {
		shards = n.cfg.OutputHandler.NewShards()
	}
	cc := calculator.NewContext(t, inputs, n.sidePackets.InputSidePackets(), shards, len(n.outputSidePackets), n.cfg.Name, n.cfg.Counters)

	err := n.cfg.Calculator.Process(cc)
	if errors.Is(err, calculator.ErrStop) {
		if n.cfg.OutputHandler != nil {
			_ = n.cfg.OutputHandler.Commit(t, shards)
		}
		return n.closeLocked(false)
	}
	if err != nil {
		wrapped := errors.Wrapf(err, "node %s: Process failed at %s", n.DebugName(), t)
		n.reportError(wrapped)
		return wrapped
	}
	n.captureOutputSidePackets(cc)
	if n.cfg.OutputHandler != nil {
		if err := n.cfg.OutputHandler.Commit(t, shards); err != nil {
			n.reportError(err)
			return err
		}
	}
	return nil
}

// CloseNode closes input streams, invokes the calculator's Close, optionally
// propagates Done to outputs, and marks the node Closed. Safe to call more
// than once; only the first call has effect.
func (n *Node) CloseNode(graphRunEnded bool) error {
	return n.closeLocked(graphRunEnded)
}

func (n *Node) closeLocked(graphRunEnded bool) error {
	n.mu.Lock()
	if n.status == Closed {
		n.mu.Unlock()
		return nil
	}
	n.status = Closed
	n.mu.Unlock()

	for _, s := range n.cfg.InputStreams {
		s.Close()
	}

	var err error
	if n.cfg.Calculator != nil {
		cc := calculator.NewContext(timestamp.Done, nil, n.sidePackets.InputSidePackets(), nil, len(n.outputSidePackets), n.cfg.Name, n.cfg.Counters)
		if cerr := n.cfg.Calculator.Close(cc); cerr != nil {
			err = errors.Wrapf(cerr, "node %s: Close failed", n.DebugName())
			n.reportError(err)
		}
	}

	for _, o := range n.cfg.OutputStreams {
		o.Close()
	}
	if n.cfg.ClosedCallback != nil {
		n.cfg.ClosedCallback(n)
	}
	return err
}

// CleanupAfterRun forces a close if one is still pending and resets status
// to Uninitialized so the node can be reused by a subsequent run.
func (n *Node) CleanupAfterRun() {
	n.mu.Lock()
	needsClose := n.needsToClose && n.status != Closed
	n.mu.Unlock()
	if needsClose {
		_ = n.closeLocked(true)
	}
	n.mu.Lock()
	n.status = Uninitialized
	n.schedulingState = schedIdle
	n.currentInFlight = 0
	n.mu.Unlock()
}

func (n *Node) reportError(err error) {
	if n.cfg.ErrorCallback != nil {
		n.cfg.ErrorCallback(n, err)
	}
}
