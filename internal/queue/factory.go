package queue

import (
	"fmt"

	"rulecore/internal/config"
	"rulecore/internal/logger"
)

func NewBroker(cfg config.BrokerConfig, log logger.Logger) (Broker, error) {
	switch cfg.Type {
	case config.BrokerKafka:
		return NewKafkaBroker(cfg.Kafka, log), nil
	case config.BrokerMemory:
		return NewMemoryBroker(), nil
	default:
		return nil, fmt.Errorf("unknown broker type: %s", cfg.Type)
	}
}
