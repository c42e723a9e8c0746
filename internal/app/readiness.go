package app

import (
	"context"
	"fmt"

	httpserver "github.com/fairyhunter13/ai-grading-orchestrator/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-grading-orchestrator/internal/config"
)

// Pinger is anything that can prove its backend is reachable.
type Pinger interface{ Ping(ctx context.Context) error }

// Backends holds the shared dependencies readiness should probe. Nil
// fields are reported as not configured when the config requires them.
type Backends struct {
	DB     Pinger
	Redis  Pinger
	Broker Pinger
}

// BuildReadinessChecks returns one check per backend the config selects.
// An all-memory, in-process deployment has no checks and is always ready.
func BuildReadinessChecks(cfg config.Config, b Backends) []httpserver.ReadinessCheck {
	var checks []httpserver.ReadinessCheck
	if cfg.MaterialStoreBackend == config.BackendPostgres {
		checks = append(checks, pingCheck("db", b.DB))
	}
	if cfg.JobStoreBackend == config.BackendRedis {
		checks = append(checks, pingCheck("redis", b.Redis))
	}
	if cfg.DispatchMode == config.DispatchRedpanda {
		checks = append(checks, pingCheck("redpanda", b.Broker))
	}
	return checks
}

func pingCheck(name string, p Pinger) httpserver.ReadinessCheck {
	return httpserver.ReadinessCheck{Name: name, Check: func(ctx context.Context) error {
		if p == nil {
			return fmt.Errorf("%s not configured", name)
		}
		return p.Ping(ctx)
	}}
}
