package transport

import (
	"fmt"

	"a2a/internal/config"
	"a2a/internal/logger"
)

func New(cfg config.TransportConfig, log logger.Logger) (Bus, error) {
	opts := []Option{WithMailboxSize(cfg.MailboxSize)}

	switch cfg.Type {
	case "channel", "":
		return NewChannelBus(cfg.Channel, log, opts...), nil
	case "nats":
		bus, err := NewNATSBus(cfg.NATS, log, opts...)
		if err != nil {
			return nil, err
		}
		return bus, nil
	case "kafka":
		return NewKafkaBus(cfg.Kafka, log, opts...), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
}
