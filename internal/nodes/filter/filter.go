// Package filter implements rule nodes that route a message by inspecting
// it without changing it.
package filter

import (
	"encoding/json"
	"fmt"

	"rulecore/internal/constants"
	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/pkg/cel"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
)

const (
	TypeScript        = "filter/script"
	TypeMsgTypeSwitch = "filter/msg_type_switch"
	TypeMsgTypeFilter = "filter/msg_type_filter"
)

type ScriptConfig struct {
	Expression string `json:"expression"`
}

// ScriptNode evaluates a CEL expression and routes over True or False.
// Evaluation errors route over Failure.
type ScriptNode struct {
	evaluator *cel.Evaluator
	filter    *cel.Filter
	log       logger.Logger
	nodeID    string
}

func NewScript(evaluator *cel.Evaluator) engine.Constructor {
	return func() engine.Node {
		return &ScriptNode{evaluator: evaluator}
	}
}

func (n *ScriptNode) Init(ictx engine.InitContext, raw json.RawMessage) error {
	var cfg ScriptConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid script config: %w", err)
	}
	if cfg.Expression == "" {
		return fmt.Errorf("script node requires an expression")
	}
	f, err := n.evaluator.CompileFilter(cfg.Expression)
	if err != nil {
		return err
	}
	n.filter = f
	n.log = ictx.Logger
	n.nodeID = ictx.NodeID
	return nil
}

func (n *ScriptNode) Process(ctx engine.Context, env models.Envelope) error {
	ok, err := n.filter.Match(ctx.Context(), env)
	if err != nil {
		n.log.DebugwCtx(ctx.Context(), "Script evaluation failed",
			"expression", n.filter.Expression(),
			"error", err,
		)
		ctx.TellFailure(env, apperrors.ErrValidation.WithMessage("script evaluation failed").WithCause(err))
		return nil
	}
	if ok {
		ctx.TellNext(env, constants.RelationTrue)
	} else {
		ctx.TellNext(env, constants.RelationFalse)
	}
	return nil
}

func (n *ScriptNode) Destroy() {}

// MsgTypeSwitchNode routes every message over the label equal to its type.
type MsgTypeSwitchNode struct{}

func NewMsgTypeSwitch() engine.Constructor {
	return func() engine.Node { return &MsgTypeSwitchNode{} }
}

func (n *MsgTypeSwitchNode) Init(engine.InitContext, json.RawMessage) error { return nil }

func (n *MsgTypeSwitchNode) Process(ctx engine.Context, env models.Envelope) error {
	label := env.Type
	if label == "" {
		label = constants.RelationOther
	}
	ctx.TellNext(env, label)
	return nil
}

func (n *MsgTypeSwitchNode) Destroy() {}

type MsgTypeFilterConfig struct {
	MessageTypes []string `json:"message_types"`
}

// MsgTypeFilterNode routes over True when the message type is one of the
// configured types and over False otherwise.
type MsgTypeFilterNode struct {
	types map[string]struct{}
}

func NewMsgTypeFilter() engine.Constructor {
	return func() engine.Node { return &MsgTypeFilterNode{} }
}

func (n *MsgTypeFilterNode) Init(_ engine.InitContext, raw json.RawMessage) error {
	var cfg MsgTypeFilterConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid msg type filter config: %w", err)
	}
	if len(cfg.MessageTypes) == 0 {
		return fmt.Errorf("msg type filter requires message_types")
	}
	n.types = make(map[string]struct{}, len(cfg.MessageTypes))
	for _, t := range cfg.MessageTypes {
		n.types[t] = struct{}{}
	}
	return nil
}

func (n *MsgTypeFilterNode) Process(ctx engine.Context, env models.Envelope) error {
	if _, ok := n.types[env.Type]; ok {
		ctx.TellNext(env, constants.RelationTrue)
	} else {
		ctx.TellNext(env, constants.RelationFalse)
	}
	return nil
}

func (n *MsgTypeFilterNode) Destroy() {}
