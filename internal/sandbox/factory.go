package sandbox

import (
	"fmt"
	"log/slog"
)

// FactoryConfig holds the backend configurations a Factory chooses from.
type FactoryConfig struct {
	Process   ProcessConfig
	Container ContainerConfig

	// RequireContainer makes Create return only container sandboxes. It
	// fails with ErrRuntimeUnavailable instead of falling back to a
	// ProcessSandbox.
	RequireContainer bool
}

// Factory selects the sandbox backend for an execution.
type Factory struct {
	cfg    FactoryConfig
	logger *slog.Logger
	detect func() []Runtime
}

func NewFactory(cfg FactoryConfig, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Factory{cfg: cfg, logger: logger, detect: DetectRuntimes}
}

// Create returns a ContainerSandbox when preferContainer is set and a
// runtime is available, and a ProcessSandbox otherwise. The only side
// effect is the (cached) runtime probe.
func (f *Factory) Create(profile ResourceProfile, preferContainer bool) (Backend, error) {
	if err := profile.Validate(); err != nil {
		return nil, fmt.Errorf("invalid resource profile: %w", err)
	}
	if preferContainer || f.cfg.RequireContainer {
		rt, err := selectRuntime(f.cfg.Container.Runtime, f.detect())
		if err == nil {
			return newContainerSandbox(profile, f.cfg.Container, rt, nil, f.logger), nil
		}
		if f.cfg.RequireContainer {
			return nil, err
		}
		f.logger.Warn("container runtime unavailable, falling back to process sandbox",
			slog.String("error", err.Error()),
		)
	}
	return NewProcessSandbox(profile, f.cfg.Process, f.logger)
}
