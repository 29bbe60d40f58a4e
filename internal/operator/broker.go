package operator

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// safeResponse bounds a respond message: non-empty after trimming, at most
// 2000 characters. Go's regexp caps a single repeat count at 1000, so the
// 1-2000 range is split into two equivalent consecutive repeats.
var safeResponse = regexp.MustCompile(`(?s)^.{1,1000}.{0,1000}$`)

// Broker mediates between the operator backend and the workspace. Turns are
// serialized per conversation key; different keys proceed in parallel.
type Broker struct {
	store      *workspace.Store
	backend    Backend
	sessions   *SessionManager
	identities *IdentityStore
	resolver   *Resolver
	audit      *Auditor
	now        func() time.Time
	tracer     trace.Tracer

	mu       sync.Mutex
	limiters map[Key]*rate.Limiter
}

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	Store      *workspace.Store
	Backend    Backend
	Sessions   *SessionManager
	Identities *IdentityStore
	Resolver   *Resolver
	Audit      *Auditor
	Now        func() time.Time
}

// NewBroker wires a broker from its parts.
func NewBroker(cfg BrokerConfig) *Broker {
	b := &Broker{
		store:      cfg.Store,
		backend:    cfg.Backend,
		sessions:   cfg.Sessions,
		identities: cfg.Identities,
		resolver:   cfg.Resolver,
		audit:      cfg.Audit,
		now:        cfg.Now,
		tracer:     otel.Tracer("crewclaw/operator"),
		limiters:   make(map[Key]*rate.Limiter),
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// limiter returns the per-conversation ingress limiter.
func (b *Broker) limiter(key Key) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(time.Second), 5)
		b.limiters[key] = l
	}
	return l
}

// HandleInbound runs one turn end to end. The only error returns are context
// cancellation and turn timeout; every other failure becomes a decision.
func (b *Broker) HandleInbound(ctx context.Context, in Inbound, id IdentityRef) (Decision, error) {
	ctx, span := b.tracer.Start(ctx, "operator.turn", trace.WithAttributes(
		attribute.String("channel", in.Channel),
		attribute.String("request.id", in.RequestID),
	))
	defer span.End()

	key := in.key(id)
	lock := b.sessions.Lock(key)
	lock.Lock()
	defer lock.Unlock()

	session := b.sessions.Acquire(key)
	turnID := "turn-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	d := Decision{SessionID: session.ID, TurnID: turnID}

	cfg := b.store.Config.OperatorSnapshot()
	if !cfg.Enabled || !channelEnabled(cfg.Channels, in.Channel) {
		d.Kind = DecisionReject
		d.Reason = string(workspace.KindOperatorDisabled)
		b.auditTurn(in, d, OutcomeInvalidDirective, d.Reason, "", "")
		return d, nil
	}

	if err := b.limiter(key).Wait(ctx); err != nil {
		return d, workspace.Wrap(workspace.KindRequestTimeout, err, "operator ingress")
	}

	timeout := time.Duration(cfg.TurnTimeoutSecs) * time.Second
	if timeout < time.Second {
		timeout = time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := b.backend.RunTurn(tctx, session, in)
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			b.auditTurn(in, d, OutcomeError, "timeout", "", "")
			return d, workspace.Wrap(workspace.KindBackendTimeout, err, "operator turn exceeded %s", timeout)
		}
		d.Kind = DecisionResponse
		d.Message = internalFailure("operator_backend_error", turnID)
		b.auditTurn(in, d, OutcomeError, "operator_backend_error", d.Message, "")
		b.sessions.Touch(key)
		return d, nil
	}

	switch {
	case out.Proposal != nil && out.Message == "":
		d = b.brokerCommand(in, id, out.Proposal, d)
	case out.Proposal == nil && out.Message != "":
		d = b.brokerResponse(in, out.Message, d)
	default:
		d.Kind = DecisionResponse
		d.Message = internalFailure("operator_invalid_response_payload", turnID)
		b.auditTurn(in, d, OutcomeError, "operator_invalid_response_payload", d.Message, "")
	}

	b.sessions.Touch(key)
	return d, nil
}

// brokerResponse applies the safety bound to a respond turn.
func (b *Broker) brokerResponse(in Inbound, message string, d Decision) Decision {
	msg := strings.TrimSpace(message)
	d.Kind = DecisionResponse
	if !safeResponse.MatchString(msg) {
		d.Message = internalFailure("operator_invalid_output", d.TurnID)
		b.auditTurn(in, d, OutcomeError, "operator_invalid_output", d.Message, "")
		return d
	}
	d.Message = msg
	b.auditTurn(in, d, OutcomeRespond, "", msg, "")
	return d
}

// brokerCommand validates and resolves a command proposal into an approved
// text or a rejection.
func (b *Broker) brokerCommand(in Inbound, id IdentityRef, p *Proposal, d Decision) Decision {
	reject := func(err error) Decision {
		d.Kind = DecisionReject
		d.Reason = string(workspace.KindOf(err))
		if d.Reason == "" {
			d.Reason = err.Error()
		}
		b.auditTurn(in, d, OutcomeInvalidDirective, d.Reason, "", p.Kind)
		return d
	}

	n, err := normalize(p)
	if err != nil {
		return reject(err)
	}
	if runTrigger(n.Kind) && !b.store.Config.OperatorSnapshot().RunTriggers {
		return reject(workspace.E(workspace.KindOperatorActionDisallowed, "run triggers are disabled"))
	}

	binding, err := b.identities.Get(id.BindingID)
	if err != nil {
		return reject(workspace.Wrap(workspace.KindContextUnauthorized, err, "unknown binding"))
	}
	text, err := b.resolver.Approve(n, in, binding)
	if err != nil {
		return reject(err)
	}

	d.Kind = DecisionCommand
	d.CommandText = text
	b.auditTurn(in, d, OutcomeCommand, "", "", text)
	return d
}

func (b *Broker) auditTurn(in Inbound, d Decision, outcome, reason, preview, command string) {
	b.audit.Record(TurnRecord{
		RepoRoot:       in.RepoRoot,
		Channel:        in.Channel,
		RequestID:      in.RequestID,
		SessionID:      d.SessionID,
		TurnID:         d.TurnID,
		Outcome:        outcome,
		Reason:         reason,
		MessagePreview: preview,
		Command:        command,
	})
	slog.Debug("operator.turn", "channel", in.Channel, "outcome", outcome, "reason", reason)
}

func channelEnabled(enabled []string, channel string) bool {
	for _, c := range enabled {
		if c == channel {
			return true
		}
	}
	return false
}

func internalFailure(reason, turnID string) string {
	return "Something went wrong handling that message (" + reason + ", turn " + turnID + "). Please try again."
}
