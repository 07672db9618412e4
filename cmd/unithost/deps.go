// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package main

import (
	"context"
	"log/slog"

	"github.com/unithost/unithost/internal/configstore"
	"github.com/unithost/unithost/internal/loader"
	"github.com/unithost/unithost/internal/observability"
)

// RunDeps holds injectable dependencies for runWithDeps. Nil fields fall
// back to the production implementations.
type RunDeps struct {
	StoreFactory               func(root string) (*configstore.Store, error)
	LoaderFactory              func(dir string, log *slog.Logger) (*loader.Loader, error)
	ObservabilityServerFactory func(addr string, readinessChecker observability.ReadinessChecker) ObservabilityServer
}

// ObservabilityServer abstracts the metrics/health HTTP server.
type ObservabilityServer interface {
	Start() (<-chan error, error)
	Stop(ctx context.Context) error
	Addr() string
}
