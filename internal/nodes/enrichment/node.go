package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"rulecore/internal/engine"
	"rulecore/internal/logger"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
)

const (
	TypeAPI      = "enrichment/api"
	TypeRedis    = "enrichment/redis"
	TypeMongoDB  = "enrichment/mongodb"
	TypePostgres = "enrichment/postgres"
)

const (
	KeyOriginator = "originator"
	keyMetadata   = "metadata."
	keyPayload    = "payload."
)

const (
	OnErrorFailure = "failure"
	OnErrorSkip    = "skip"
)

type Config struct {
	Source Source `json:"source"`
	// Key selects the lookup value: "originator", "metadata.<name>" or
	// "payload.<name>".
	Key string `json:"key"`
	// Fields maps a metadata key to a gjson path into the fetched record;
	// "." selects the whole record.
	Fields map[string]string `json:"fields"`
	// Defaults are written for fields the record lacks and, under the skip
	// policy, for every field when the lookup fails.
	Defaults map[string]string `json:"defaults"`
	// OnError is "failure" (route over Failure) or "skip" (pass the message
	// on over Success with only the defaults applied).
	OnError string `json:"on_error"`
	Timeout string `json:"timeout"`
}

// Node looks up a record with its Provider and copies selected fields into
// the message metadata. A missing key, a missing record and a provider
// error are all handled by the OnError policy.
type Node struct {
	provider Provider

	cfg     Config
	keys    []string
	timeout time.Duration
	nodeID  string
	log     logger.Logger
}

// New returns the constructor for nodes reading from provider.
func New(provider Provider) engine.Constructor {
	return func() engine.Node { return &Node{provider: provider} }
}

func (n *Node) Init(ictx engine.InitContext, raw json.RawMessage) error {
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("invalid %s enrichment config: %w", n.provider.Name(), err)
	}
	if err := n.provider.Validate(cfg.Source); err != nil {
		return err
	}
	if cfg.Key == "" {
		cfg.Key = KeyOriginator
	}
	if cfg.Key != KeyOriginator && !strings.HasPrefix(cfg.Key, keyMetadata) && !strings.HasPrefix(cfg.Key, keyPayload) {
		return fmt.Errorf("unknown enrichment key %q", cfg.Key)
	}
	if len(cfg.Fields) == 0 {
		return fmt.Errorf("enrichment requires fields")
	}
	for target, path := range cfg.Fields {
		if target == "" || path == "" {
			return fmt.Errorf("enrichment fields cannot contain empty keys or paths")
		}
		n.keys = append(n.keys, target)
	}
	sort.Strings(n.keys)
	switch cfg.OnError {
	case "":
		cfg.OnError = OnErrorFailure
	case OnErrorFailure, OnErrorSkip:
	default:
		return fmt.Errorf("unknown on_error %q", cfg.OnError)
	}
	n.timeout = 5 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
		n.timeout = d
	}

	n.cfg = cfg
	n.nodeID = ictx.NodeID
	n.log = ictx.Logger
	return nil
}

func (n *Node) lookupKey(env models.Envelope) (string, bool) {
	switch {
	case n.cfg.Key == KeyOriginator:
		return env.Originator.ID, env.Originator.ID != ""
	case strings.HasPrefix(n.cfg.Key, keyMetadata):
		return env.Metadata.Get(strings.TrimPrefix(n.cfg.Key, keyMetadata))
	default:
		v, ok := env.Payload.Get(strings.TrimPrefix(n.cfg.Key, keyPayload))
		if !ok || v.Type == models.ValueJSON {
			return "", false
		}
		return v.String(), true
	}
}

func (n *Node) Process(ctx engine.Context, env models.Envelope) error {
	key, ok := n.lookupKey(env)
	if !ok {
		n.fail(ctx, env, apperrors.ErrValidation.WithMessage("message has no %s", n.cfg.Key))
		return nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx.Context(), n.timeout)
	defer cancel()
	rec, err := n.provider.Fetch(fetchCtx, n.cfg.Source, key)
	if errors.Is(err, errNoRecord) {
		n.fail(ctx, env, apperrors.ErrNotFound.WithMessage("no %s record for %q", n.provider.Name(), key))
		return nil
	}
	if err != nil {
		n.fail(ctx, env, apperrors.ErrEnrichment.WithCause(err))
		return nil
	}

	md, err := n.apply(env.Metadata, rec)
	if err != nil {
		n.fail(ctx, env, apperrors.ErrEnrichment.WithCause(err))
		return nil
	}
	ctx.TellSuccess(env.Transform("", nil, md))
	return nil
}

func (n *Node) apply(md models.Metadata, rec map[string]interface{}) (models.Metadata, error) {
	doc, err := json.Marshal(rec)
	if err != nil {
		return md, fmt.Errorf("encode %s record: %w", n.provider.Name(), err)
	}
	for _, target := range n.keys {
		path := n.cfg.Fields[target]
		if path == "." {
			md = md.Set(target, string(doc))
			continue
		}
		res := gjson.GetBytes(doc, path)
		switch {
		case res.Exists() && res.Type == gjson.String:
			md = md.Set(target, res.Str)
		case res.Exists() && res.Type != gjson.Null:
			md = md.Set(target, res.Raw)
		default:
			if def, ok := n.cfg.Defaults[target]; ok {
				md = md.Set(target, def)
			}
		}
	}
	return md, nil
}

func (n *Node) fail(ctx engine.Context, env models.Envelope, err error) {
	if n.cfg.OnError != OnErrorSkip {
		ctx.TellFailure(env, err)
		return
	}
	n.log.Debugw("Enrichment skipped", "node_id", n.nodeID, "provider", n.provider.Name(), "error", err)
	md := env.Metadata
	for _, target := range n.keys {
		if def, ok := n.cfg.Defaults[target]; ok {
			md = md.Set(target, def)
		}
	}
	ctx.TellSuccess(env.Transform("", nil, md))
}

func (n *Node) Destroy() {}
