// Package transform implements rule nodes that derive a new version of the
// message and pass it on over Success.
package transform

import (
	"encoding/json"
	"fmt"
	"sort"

	"rulecore/internal/engine"
	"rulecore/pkg/models"
)

const (
	TypeRenameKeys = "transform/rename_keys"
	TypeJSONPath   = "transform/json_path"
)

type RenameConfig struct {
	// Mapping is old key to new key.
	Mapping      map[string]string `json:"mapping"`
	FromMetadata bool              `json:"from_metadata"`
}

// RenameNode renames payload or metadata keys. Keys absent from the message
// are ignored; a renamed key replaces an existing key of the new name.
type RenameNode struct {
	cfg  RenameConfig
	keys []string
}

func NewRenameKeys() engine.Constructor {
	return func() engine.Node { return &RenameNode{} }
}

func (n *RenameNode) Init(_ engine.InitContext, raw json.RawMessage) error {
	var cfg RenameConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid rename_keys config: %w", err)
	}
	if len(cfg.Mapping) == 0 {
		return fmt.Errorf("rename_keys requires a mapping")
	}
	for from, to := range cfg.Mapping {
		if from == "" || to == "" {
			return fmt.Errorf("rename_keys mapping cannot contain empty keys")
		}
		n.keys = append(n.keys, from)
	}
	sort.Strings(n.keys)
	n.cfg = cfg
	return nil
}

func (n *RenameNode) Process(ctx engine.Context, env models.Envelope) error {
	if n.cfg.FromMetadata {
		md := env.Metadata
		for _, from := range n.keys {
			if v, ok := md.Get(from); ok {
				md = md.Delete(from).Set(n.cfg.Mapping[from], v)
			}
		}
		ctx.TellSuccess(env.Transform("", nil, md))
		return nil
	}

	payload := env.Payload
	for _, from := range n.keys {
		if v, ok := payload.Get(from); ok {
			payload = payload.Delete(from).Set(n.cfg.Mapping[from], v)
		}
	}
	ctx.TellSuccess(env.Transform("", payload, nil))
	return nil
}

func (n *RenameNode) Destroy() {}
