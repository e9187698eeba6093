// Copyright modelgate Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/modelgate/modelgate/internal/config"
	"github.com/modelgate/modelgate/internal/supervisor"
)

// run wires a validated config into a supervisor.Supervisor and blocks
// until it returns. DEBUG_HOLD short-circuits startup entirely so an
// operator can attach to the container without the backend or gateway
// ever starting.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.DebugHold {
		log.Warn("DEBUG_HOLD set, sleeping instead of starting")
		<-ctx.Done()
		return nil
	}

	log.Info("starting modelgate",
		"model_ref", cfg.ModelRef,
		"gateway_port", cfg.GatewayPort,
		"health_port", cfg.HealthPort,
	)
	start := time.Now()
	sup := supervisor.New(cfg, log)
	err := sup.Run(ctx)
	log.Info("modelgate stopped", "uptime", time.Since(start))
	return err
}
