package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"rulecore/internal/constants"
	"rulecore/internal/engine"
	"rulecore/internal/logger"
	"rulecore/internal/store"
	apperrors "rulecore/pkg/errors"
	"rulecore/pkg/models"
	"rulecore/pkg/tracing"
)

// TypePrefix is prepended to the transport name to form the node type.
const TypePrefix = "external/"

const (
	BodyPayload  = "payload"
	BodyEnvelope = "envelope"
)

type Config struct {
	// Destination is the topic, subject or queue to publish to.
	Destination string `json:"destination"`
	// KeyMetadata names the metadata entry used as message key; the
	// originator id when empty.
	KeyMetadata string `json:"key_metadata"`
	Body        string `json:"body"`
	// Timeout bounds one dispatch.
	Timeout string `json:"timeout"`
}

// Node publishes every envelope through a Dispatcher. Under force-ack the
// queue record is acknowledged before the dispatch, which then runs on the
// dispatch pool, and the outcome travels on as a continuation; otherwise
// the outcome settles the invocation.
type Node struct {
	dispatcher Dispatcher
	deliveries store.DeliveryLog
	pool       *Pool

	cfg     Config
	timeout time.Duration
	nodeID  string
	tenant  string
	log     logger.Logger
}

// New returns the constructor for nodes publishing through dispatcher.
// Force-acked dispatches run on pool.
func New(dispatcher Dispatcher, deliveries store.DeliveryLog, pool *Pool) engine.Constructor {
	return func() engine.Node {
		return &Node{dispatcher: dispatcher, deliveries: deliveries, pool: pool}
	}
}

func (n *Node) Init(ictx engine.InitContext, raw json.RawMessage) error {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return fmt.Errorf("invalid %s node config: %w", n.dispatcher.Transport(), err)
		}
	}
	if cfg.Destination == "" {
		return fmt.Errorf("%s node requires a destination", n.dispatcher.Transport())
	}
	switch cfg.Body {
	case "":
		cfg.Body = BodyPayload
	case BodyPayload, BodyEnvelope:
	default:
		return fmt.Errorf("unknown body %q", cfg.Body)
	}
	n.timeout = 10 * time.Second
	if cfg.Timeout != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", cfg.Timeout, err)
		}
		n.timeout = d
	}

	n.cfg = cfg
	n.nodeID = ictx.NodeID
	n.tenant = ictx.TenantID
	n.log = ictx.Logger
	return nil
}

func (n *Node) delivery(env models.Envelope) (Delivery, error) {
	var body []byte
	var err error
	if n.cfg.Body == BodyEnvelope {
		body, err = models.EncodeEnvelope(env)
	} else {
		body, err = json.Marshal(env.Payload.Map())
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("encode body: %w", err)
	}

	key := env.Originator.ID
	if n.cfg.KeyMetadata != "" {
		if v, ok := env.Metadata.Get(n.cfg.KeyMetadata); ok {
			key = v
		}
	}

	headers := map[string]string{
		constants.HeaderMessageID: env.ID.String(),
		constants.HeaderTenantID:  env.TenantID,
		"msg-type":                env.Type,
	}
	return Delivery{
		MessageID:   env.ID.String(),
		NodeID:      n.nodeID,
		Destination: n.cfg.Destination,
		Key:         []byte(key),
		Payload:     body,
		Headers:     headers,
	}, nil
}

func (n *Node) Process(ctx engine.Context, env models.Envelope) error {
	del, err := n.delivery(env)
	if err != nil {
		return apperrors.ErrValidation.WithMessage("cannot build %s delivery", n.dispatcher.Transport()).WithCause(err)
	}

	if !ctx.ForceAck() {
		out, err := n.dispatch(ctx.Context(), env, del)
		if err != nil {
			ctx.TellFailure(env, apperrors.ErrDispatch.WithCause(err))
			return nil
		}
		ctx.TellSuccess(n.annotate(env, out))
		return nil
	}

	ctx.Ack(env)
	parent := context.WithoutCancel(ctx.Context())
	n.pool.run(func() {
		out, err := n.dispatch(parent, env, del)
		if err != nil {
			ctx.EnqueueForTellFailure(env.CopyWithNewCtx(), apperrors.ErrDispatch.WithCause(err))
			return
		}
		ctx.EnqueueForTellNext(n.annotate(env.CopyWithNewCtx(), out), constants.RelationSuccess)
	})
	return nil
}

func (n *Node) dispatch(parent context.Context, env models.Envelope, del Delivery) (Outcome, error) {
	dctx, cancel := context.WithTimeout(context.WithoutCancel(parent), n.timeout)
	defer cancel()
	del.Headers = tracing.Inject(dctx, del.Headers)
	out, err := n.dispatcher.Dispatch(dctx, del)
	n.record(dctx, env, out, err)
	return out, err
}

func (n *Node) annotate(env models.Envelope, out Outcome) models.Envelope {
	md := env.Metadata.
		Set("delivery_status", out.Status).
		Set("delivery_transport", n.dispatcher.Transport())
	env.Metadata = md
	return env
}

func (n *Node) record(ctx context.Context, env models.Envelope, out Outcome, err error) {
	rec := models.DeliveryRecord{
		TenantID:    n.tenant,
		MessageID:   env.ID.String(),
		NodeID:      n.nodeID,
		Transport:   n.dispatcher.Transport(),
		Destination: n.cfg.Destination,
		Status:      out.Status,
		Detail:      out.Detail,
		Attempt:     env.Attempt,
		DeliveredAt: time.Now().UTC(),
	}
	if err != nil {
		rec.Status = models.DeliveryFailed
		rec.Detail = err.Error()
		n.log.Warnw("External dispatch failed",
			"message_id", rec.MessageID, "destination", rec.Destination, "error", err)
	}
	if n.deliveries == nil {
		return
	}
	if rerr := n.deliveries.RecordDelivery(context.WithoutCancel(ctx), rec); rerr != nil {
		n.log.Errorw("Failed to record delivery", "message_id", rec.MessageID, "attempt", env.Attempt, "error", rerr)
	}
}

// Destroy leaves the shared dispatcher open; it is closed with the app.
func (n *Node) Destroy() {}
