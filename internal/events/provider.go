package events

import (
	"fmt"
	"strings"

	"github.com/ensemble-ai/ensemble/internal/common/config"
	"github.com/ensemble-ai/ensemble/internal/common/logger"
	"github.com/ensemble-ai/ensemble/internal/events/bus"
)

// Provide builds the configured event bus implementation and returns it with
// a cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func() error, error) {
	if strings.EqualFold(cfg.Events.Bus, "nats") {
		natsBus, err := bus.NewNATSEventBus(cfg.Events, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return natsBus, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return memBus, cleanup, nil
}
