// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

// Package unit defines the contract between the unithost core and plugin
// implementations: the Unit interface, its optional capability interfaces,
// and the event types delivered to the host's consumer.
package unit

import (
	"context"

	"github.com/unithost/unithost/pkg/param"
)

// Runtime is the per-execution environment the supervisor hands to a unit's
// Run routine. All methods are safe to call from the unit's goroutine.
type Runtime interface {
	// Stopped reports whether a stop has been requested. Run must consult
	// Stopped (or the run context's Done channel, which is cancelled at
	// the same moment) at least every ~100ms and return promptly once it
	// reports true.
	Stopped() bool

	// Params returns the parameter values resolved for this run cycle.
	// The returned mapping is owned by the unit and stable for the cycle.
	Params() param.Values

	// Log publishes an output_generated event. Non-blocking and safe from
	// the unit's goroutine; under sustained pressure the oldest output
	// lines may be dropped before reaching the consumer.
	Log(text string)

	// Logf is Log with fmt.Sprintf formatting.
	Logf(format string, args ...any)
}

// Unit is the workload contract every plugin satisfies.
//
// Name and Description are pure accessors. Run executes on a dedicated
// goroutine owned by the supervisor; it must never touch surface state and
// must honor cancellation cooperatively (see Runtime.Stopped). Returning a
// non-nil error, or panicking, moves the unit to Error status and publishes
// an error_occurred event; it never affects the host or other units.
type Unit interface {
	Name() string
	Description() string
	Run(ctx context.Context, rt Runtime) error
}

// Parameterized is implemented by units that declare configurable
// parameters. The returned schema must be immutable for the process
// lifetime; absence of this interface means "no configurable parameters".
type Parameterized interface {
	Unit
	Parameters() param.Schema
}

// Surface is an opaque handle to a unit's interactive panel. The core never
// inspects it; the presentation layer defines the concrete type.
type Surface any

// Interactive is implemented by units that expose an interactive surface.
// BuildSurface is invoked exactly once per registration, only from the
// host's single surface-owning context, never from a worker goroutine, and
// only after the unit is constructed. The manager enforces the once-only
// guarantee.
type Interactive interface {
	Unit
	BuildSurface() (Surface, error)
}
