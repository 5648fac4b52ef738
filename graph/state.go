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

import "github.com/goccy/go-json"

// NodeState is one node's status snapshot within a State dump.
type NodeState struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// State is the JSON shape DumpState returns: a point-in-time snapshot
// useful for debugging a stuck or slow run.
type State struct {
	RunID      string      `json:"run_id"`
	Terminated bool        `json:"terminated"`
	Cancelled  bool        `json:"cancelled"`
	Paused     bool        `json:"paused"`
	HasError   bool        `json:"has_error"`
	Error      string      `json:"error,omitempty"`
	Nodes      []NodeState `json:"nodes"`
}

// DumpState marshals the run's current status for every node plus the
// scheduler's termination/error flags, using goccy/go-json for the faster
// encode path.
func (g *Graph) DumpState() ([]byte, error) {
	st := State{
		RunID:      g.RunID(),
		Terminated: g.sched.Terminated(),
		Cancelled:  g.sched.Cancelled(),
		Paused:     g.sched.Paused(),
		HasError:   g.sched.HasError(),
	}
	if err := g.sched.Errors(); err != nil {
		st.Error = err.Error()
	}
	st.Nodes = make([]NodeState, g.desc.NumNodes())
	for i, n := range g.nodes {
		st.Nodes[i] = NodeState{Name: g.desc.Node(i).Name, Status: n.Status().String()}
	}
	return json.Marshal(st)
}
