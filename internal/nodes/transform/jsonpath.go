package transform

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"rulecore/internal/engine"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
)

type JSONPathConfig struct {
	// Source is the payload key holding the document; the whole payload
	// when empty.
	Source string `json:"source"`
	// Extract maps output key to gjson path.
	Extract map[string]string `json:"extract"`
	// Target, when set, collects the extracted values into one JSON payload
	// value instead of flat payload keys.
	Target   string `json:"target"`
	Required bool   `json:"required"`
}

// JSONPathNode copies values selected by gjson paths into the payload.
type JSONPathNode struct {
	cfg  JSONPathConfig
	keys []string
}

func NewJSONPath() engine.Constructor {
	return func() engine.Node { return &JSONPathNode{} }
}

func (n *JSONPathNode) Init(_ engine.InitContext, raw json.RawMessage) error {
	var cfg JSONPathConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid json_path config: %w", err)
	}
	if len(cfg.Extract) == 0 {
		return fmt.Errorf("json_path requires extract paths")
	}
	for key, path := range cfg.Extract {
		if key == "" || path == "" {
			return fmt.Errorf("json_path extract cannot contain empty keys or paths")
		}
		n.keys = append(n.keys, key)
	}
	sort.Strings(n.keys)
	n.cfg = cfg
	return nil
}

func (n *JSONPathNode) document(env models.Envelope) ([]byte, error) {
	if n.cfg.Source == "" {
		return json.Marshal(env.Payload.Map())
	}
	v, ok := env.Payload.Get(n.cfg.Source)
	if !ok {
		return nil, fmt.Errorf("payload has no key %q", n.cfg.Source)
	}
	switch v.Type {
	case models.ValueJSON:
		return v.JSON, nil
	case models.ValueString:
		if gjson.Valid(v.Str) {
			return []byte(v.Str), nil
		}
	}
	return nil, fmt.Errorf("payload key %q is not a JSON document", n.cfg.Source)
}

func (n *JSONPathNode) Process(ctx engine.Context, env models.Envelope) error {
	doc, err := n.document(env)
	if err != nil {
		ctx.TellFailure(env, apperrors.ErrValidation.WithMessage("json_path source unavailable").WithCause(err))
		return nil
	}

	payload := env.Payload
	var target []byte
	if n.cfg.Target != "" {
		target = []byte("{}")
		if v, ok := payload.Get(n.cfg.Target); ok && v.Type == models.ValueJSON {
			target = v.JSON
		}
	}

	var missing []string
	for _, key := range n.keys {
		res := gjson.GetBytes(doc, n.cfg.Extract[key])
		if !res.Exists() || res.Type == gjson.Null {
			missing = append(missing, key)
			continue
		}
		if target != nil {
			target, err = sjson.SetRawBytes(target, key, []byte(res.Raw))
			if err != nil {
				ctx.TellFailure(env, apperrors.ErrValidation.WithMessage("cannot set %s", key).WithCause(err))
				return nil
			}
			continue
		}
		payload = payload.Set(key, models.ValueFromJSON(res))
	}

	if n.cfg.Required && len(missing) > 0 {
		ctx.TellFailure(env, apperrors.ErrValidation.WithMessage("json_path found no value for %s", strings.Join(missing, ", ")))
		return nil
	}
	if target != nil {
		payload = payload.Set(n.cfg.Target, models.JSONValue(target))
	}
	ctx.TellSuccess(env.Transform("", payload, nil))
	return nil
}

func (n *JSONPathNode) Destroy() {}
