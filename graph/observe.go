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

package graph

import (
	"time"

	"github.com/graphrun/graphrun/apperr"
	"github.com/graphrun/graphrun/internal/pubsub"
	"github.com/graphrun/graphrun/packet"
	"github.com/graphrun/graphrun/stream"
)

// observerQueueCapacity bounds each observer/poller subscription. The bus
// drops rather than blocks past this, so a consumer that never drains cannot
// stall the graph; the deadlock-resolution exemption for observer streams
// assumes exactly that.
const observerQueueCapacity = 1024

// observedStream mirrors an output stream purely to observe its traffic: a
// dedicated InputStreamManager whose queue is drained straight into a
// pubsub.PubSub, never read back through the node runtime.
type observedStream struct {
	im      *stream.InputStreamManager
	bus     *pubsub.PubSub
	emitted func()
}

// drain moves every queued packet from the mirror into the pub/sub bus,
// fanning it out to every subscriber. Installed as the mirror's arrival
// callback, so it runs once per packet batch or bound advance.
func (os *observedStream) drain() {
	for {
		p, _ := os.im.PopQueueHead()
		if p.IsEmpty() {
			return
		}
		os.bus.Publish(p)
		if os.emitted != nil {
			os.emitted()
		}
	}
}

// ObserveOutputStream registers cb to run, on a dedicated goroutine, for
// every packet published on the named output stream. A stream may be
// observed more than once; cb must be thread-safe. The observer mirror is
// exempted from deadlock resolution's full-stream reporting, so a slow
// consumer never blocks a publisher.
func (g *Graph) ObserveOutputStream(name string, cb func(packet.Packet)) error {
	os, err := g.ensureObserved(name)
	if err != nil {
		return err
	}
	q := os.bus.Subscribe(observerQueueCapacity)
	go func() {
		for {
			v, ok := q.PopTimeout(50 * time.Millisecond)
			if ok {
				cb(v.(packet.Packet))
				continue
			}
			if os.im.Closed() {
				os.bus.Unsubscribe(q)
				return
			}
		}
	}()
	return nil
}

// Poller is a queue-backed handle returned by AddOutputStreamPoller: Next
// blocks for the stream's next packet.
type Poller struct {
	q  pubsub.Queue
	os *observedStream
}

// Next blocks until a packet arrives or timeout elapses, returning ok=false
// on timeout or once the stream is closed and drained.
func (p *Poller) Next(timeout time.Duration) (packet.Packet, bool) {
	v, ok := p.q.PopTimeout(timeout)
	if !ok {
		return packet.Packet{}, false
	}
	return v.(packet.Packet), true
}

// Close releases the poller's subscription.
func (p *Poller) Close() { p.os.bus.Unsubscribe(p.q) }

// AddOutputStreamPoller returns a Poller fed from the named output stream.
func (g *Graph) AddOutputStreamPoller(name string) (*Poller, error) {
	os, err := g.ensureObserved(name)
	if err != nil {
		return nil, err
	}
	return &Poller{q: os.bus.Subscribe(observerQueueCapacity), os: os}, nil
}

// ensureObserved lazily attaches an observer mirror to the named output
// stream, shared by every ObserveOutputStream/AddOutputStreamPoller call
// against it.
func (g *Graph) ensureObserved(name string) (*observedStream, error) {
	g.observedMu.Lock()
	defer g.observedMu.Unlock()

	if os, ok := g.observed[name]; ok {
		return os, nil
	}
	out, ok := g.outputsByName[name]
	if !ok {
		return nil, apperr.Newf(apperr.NotFound, "graph.ensureObserved", "unknown output stream %q", name)
	}

	im := stream.NewInputStreamManager(name, false)
	im.DisableTimestamps()
	out.AddMirror(im)
	g.sched.RegisterInputStream("__observer__#"+name, im, true)

	os := &observedStream{im: im, bus: pubsub.New(), emitted: g.sched.EmittedObservedOutput}
	im.SetArrivalCallback(os.drain)
	g.observed[name] = os
	return os, nil
}
