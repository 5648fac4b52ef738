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

package common

const (
	// App names the metrics namespace shared by every prometheus collector
	// registered by this module.
	App = "graphrun"

	// Version is the module's release version.
	Version = "v0.0.1"

	// DefaultMaxQueueSize is a suggested input stream queue bound. Nothing
	// in the module applies it: input stream queues are unbounded unless a
	// buffer size hint or a handler's max_queue_size option sets a bound.
	DefaultMaxQueueSize = 100
)
