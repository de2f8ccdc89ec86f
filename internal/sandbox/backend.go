package sandbox

import (
	"context"
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"polyglot-sandbox/internal/config"
)

// NewEngine picks the configured engine. "auto" prefers containerd on Linux,
// then Docker, then plain processes.
func NewEngine(ctx context.Context, cfg *config.Config) (Engine, error) {
	sc := cfg.Sandbox
	preference := sc.Engine
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "process":
		return NewProcessEngine(sc.WorkRoot), nil
	case "containerd":
		return NewContainerdEngine(ctx, sc.ContainerdSocket, sc.Namespace, sc.WorkRoot)
	case "docker":
		return NewDockerEngine(sc.WorkRoot)
	case "auto":
		if runtime.GOOS == "linux" {
			engine, err := NewContainerdEngine(ctx, sc.ContainerdSocket, sc.Namespace, sc.WorkRoot)
			if err == nil {
				log.Info().Msg("using containerd engine")
				return engine, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		engine, err := NewDockerEngine(sc.WorkRoot)
		if err == nil {
			log.Info().Msg("using Docker engine")
			return engine, nil
		}
		log.Warn().Err(err).Msg("docker unavailable, falling back to unisolated processes")
		return NewProcessEngine(sc.WorkRoot), nil
	default:
		return nil, fmt.Errorf("unknown engine %q: must be auto, process, docker or containerd", preference)
	}
}
