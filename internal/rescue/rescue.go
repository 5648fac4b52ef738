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

// Package rescue recovers panics raised by calculators or framework code
// running on an executor goroutine, so that one misbehaving node cannot take
// down the whole process.
package rescue

import (
	"fmt"
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/graphrun/graphrun/common"
	"github.com/graphrun/graphrun/logging"
)

var panicTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: common.App,
		Name:      "panic_total",
		Help:      "total number of panics recovered from executor goroutines",
	},
)

var PanicHandlers = []func(any){
	incPanicCounter,
	logPanic,
}

func incPanicCounter(_ any) {
	panicTotal.Inc()
}

func logPanic(r any) {
	const size = 64 << 10
	stacktrace := make([]byte, size)
	stacktrace = stacktrace[:runtime.Stack(stacktrace, false)]
	if _, ok := r.(string); ok {
		logging.Errorf("observed a panic: %s\n%s", r, stacktrace)
	} else {
		logging.Errorf("observed a panic: %#v (%v)\n%s", r, r, stacktrace)
	}
}

// HandleCrash recovers a panic, running PanicHandlers, and should be deferred
// at the top of every executor-scheduled task.
func HandleCrash() {
	if r := recover(); r != nil {
		for _, fn := range PanicHandlers {
			fn(r)
		}
	}
}

// HandleCrashWithError recovers a panic the same way as HandleCrash, and in
// addition stores it into *errp so the caller can fold it into a node or
// scheduler error instead of merely logging it.
func HandleCrashWithError(errp *error) {
	if r := recover(); r != nil {
		for _, fn := range PanicHandlers {
			fn(r)
		}
		*errp = fmt.Errorf("panic: %v", r)
	}
}
