// Package action implements rule nodes with side effects inside the engine
// process.
package action

import (
	"encoding/json"
	"fmt"

	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/pkg/models"
)

const TypeLog = "action/log"

type LogConfig struct {
	Message string `json:"message"`
	Level   string `json:"level"`
	// Payload adds the payload and metadata to the entry.
	Payload bool `json:"payload"`
}

// LogNode writes one structured entry per message and passes it on
// unchanged.
type LogNode struct {
	cfg LogConfig
	log logger.Logger
}

func NewLog() engine.Constructor {
	return func() engine.Node { return &LogNode{} }
}

func (n *LogNode) Init(ictx engine.InitContext, raw json.RawMessage) error {
	var cfg LogConfig
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("invalid log config: %w", err)
		}
	}
	if cfg.Message == "" {
		cfg.Message = "Rule chain message"
	}
	switch cfg.Level {
	case "":
		cfg.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}
	n.cfg = cfg
	n.log = ictx.Logger
	return nil
}

func (n *LogNode) Process(ctx engine.Context, env models.Envelope) error {
	fields := []interface{}{
		"msg_type", env.Type,
		"originator", env.Originator.String(),
		"ctx", env.Ctx,
	}
	if n.cfg.Payload {
		fields = append(fields, "payload", env.Payload.Map(), "metadata", env.Metadata.Map())
	}

	c := ctx.Context()
	switch n.cfg.Level {
	case "debug":
		n.log.DebugwCtx(c, n.cfg.Message, fields...)
	case "warn":
		n.log.WarnwCtx(c, n.cfg.Message, fields...)
	case "error":
		n.log.ErrorwCtx(c, n.cfg.Message, fields...)
	default:
		n.log.InfowCtx(c, n.cfg.Message, fields...)
	}
	ctx.TellSuccess(env)
	return nil
}

func (n *LogNode) Destroy() {}
