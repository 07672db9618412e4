// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package supervisor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/unithost/unithost/pkg/param"
	"github.com/unithost/unithost/pkg/unit"
)

// runtime is the host-side implementation of unit.Runtime handed to one
// run. It is bound to that run's context and log history, so a stale
// reference held across a restart keeps reporting the old run as stopped.
type runtime struct {
	unitID string
	params param.Values
	ctx    context.Context
	stop   *atomic.Bool
	hist   *history
	bus    Publisher
}

var _ unit.Runtime = (*runtime)(nil)

func (rt *runtime) Stopped() bool {
	return rt.stop.Load() || rt.ctx.Err() != nil
}

func (rt *runtime) Params() param.Values { return rt.params }

// Log records a line in the run's history and publishes it as an
// output_generated event. Duplicate suppression applies to both.
func (rt *runtime) Log(text string) {
	if !rt.hist.add(text, time.Now()) {
		return
	}
	rt.bus.Publish(unit.OutputEvent(rt.unitID, text))
}

func (rt *runtime) Logf(format string, args ...any) {
	rt.Log(fmt.Sprintf(format, args...))
}
