package authz

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"

	"printgate/internal/ingress"
	"printgate/internal/model"
	"printgate/internal/notify"
	"printgate/internal/queue"
)

// Denial reasons. They appear in logs and admin notifications.
const (
	ReasonDisabled       = "queue disabled."
	ReasonNotPrintable   = "reserved queue not driver printable"
	ReasonUnknownQueue   = "unknown queue."
	ReasonNotFromNet     = "not accessible from the Internet."
	ReasonAddress        = "address not in queue allow-list"
	ReasonInternetUser   = "service not available for user/uuid"
	ReasonNoClaimedUser  = "trusted queue, no user supplied"
	ReasonNoBoundSession = "untrusted queue, no bound session"
)

type QueueService interface {
	Lookup(ctx context.Context, path string) (model.Queue, bool, error)
	AddressAllowed(q model.Queue, addr string) bool
}

// InternetUsers resolves the (user-number, uuid) pair of an internet print
// URL. found is false when no account matches.
type InternetUsers interface {
	UserByNumber(ctx context.Context, number string, id uuid.UUID) (user string, found bool, err error)
}

type SessionIndex interface {
	UserForAddr(addr string) (string, bool)
}

type UserAuthorizer interface {
	AuthorizeUser(ctx context.Context, user string) (bool, error)
}

// Request carries the facts of one submission.
type Request struct {
	QueuePath   string
	Addr        string
	Protocol    model.Protocol
	ClaimedUser string
	UserNumber  string
	UserUUID    uuid.UUID
}

type Resolver struct {
	Queues     QueueService
	Internet   InternetUsers
	Sessions   SessionIndex
	TrustedIPs map[string]string
	Authorizer UserAuthorizer
	Notifier   notify.Notifier

	internet *expirable.LRU[string, string]
}

type Options struct {
	Queues        QueueService
	Internet      InternetUsers
	Sessions      SessionIndex
	TrustedIPs    map[string]string
	Authorizer    UserAuthorizer
	Notifier      notify.Notifier
	LookupTTL     time.Duration
	LookupEntries int
}

func New(opts Options) *Resolver {
	if opts.LookupEntries <= 0 {
		opts.LookupEntries = 1024
	}
	r := &Resolver{
		Queues:     opts.Queues,
		Internet:   opts.Internet,
		Sessions:   opts.Sessions,
		TrustedIPs: opts.TrustedIPs,
		Authorizer: opts.Authorizer,
		Notifier:   opts.Notifier,
	}
	if opts.LookupTTL > 0 {
		r.internet = expirable.NewLRU[string, string](opts.LookupEntries, nil, opts.LookupTTL)
	}
	return r
}

// Resolve runs the authorization rules in order; the first match decides.
// A non-nil error means the decision could not be made and is internal.
func (r *Resolver) Resolve(ctx context.Context, req Request) (model.Queue, model.AuthDecision, error) {
	host := req.Addr
	if ip := queue.HostIP(req.Addr); ip != nil {
		host = ip.String()
	}

	q, found, err := r.Queues.Lookup(ctx, req.QueuePath)
	if err != nil {
		return model.Queue{}, model.AuthDecision{}, fmt.Errorf("lookup queue %q: %w", req.QueuePath, err)
	}
	path := req.QueuePath
	if found {
		path = q.URLPath
	}

	if found && q.Disabled {
		return q, r.deny(ctx, path, host, model.DenialDisabled, ReasonDisabled), nil
	}
	if found && !q.Reserved.Supports(req.Protocol) {
		return q, r.deny(ctx, path, host, model.DenialNotPrintable, ReasonNotPrintable), nil
	}
	if !found || q.Deleted {
		return q, r.deny(ctx, path, host, model.DenialUnknownQueue, ReasonUnknownQueue), nil
	}
	if q.DefaultPolicy() && queue.IsPublic(host) && q.Reserved != model.ReservedInternet {
		return q, r.deny(ctx, path, host, model.DenialAddress, ReasonNotFromNet), nil
	}
	if !r.Queues.AddressAllowed(q, host) {
		return q, r.deny(ctx, path, host, model.DenialAddress, ReasonAddress), nil
	}

	var user string
	switch {
	case q.Reserved == model.ReservedInternet:
		u, ok, err := r.internetUser(ctx, req.UserNumber, req.UserUUID)
		if err != nil {
			return q, model.AuthDecision{}, err
		}
		if !ok {
			return q, r.deny(ctx, path, host, model.DenialUser, ReasonInternetUser), nil
		}
		user = u
	case q.Trusted:
		if req.ClaimedUser == "" {
			return q, r.deny(ctx, path, host, model.DenialUser, ReasonNoClaimedUser), nil
		}
		user = req.ClaimedUser
	default:
		u, ok := r.boundUser(host)
		if !ok {
			return q, r.deny(ctx, path, host, model.DenialUser, ReasonNoBoundSession), nil
		}
		user = u
	}

	if r.Authorizer != nil {
		ok, err := r.Authorizer.AuthorizeUser(ctx, user)
		if err != nil {
			return q, model.AuthDecision{}, err
		}
		if !ok {
			return q, r.deny(ctx, path, host, model.DenialUser, fmt.Sprintf("user %q from %s not authorized", user, host)), nil
		}
	}
	log.Debug().Str("queue", path).Str("addr", host).Str("user", user).Str("protocol", string(req.Protocol)).Msg("submission authorized")
	return q, model.Allow(user), nil
}

func (r *Resolver) internetUser(ctx context.Context, number string, id uuid.UUID) (string, bool, error) {
	if number == "" || id == uuid.Nil || r.Internet == nil {
		return "", false, nil
	}
	key := number + "/" + id.String()
	if r.internet != nil {
		if u, ok := r.internet.Get(key); ok {
			return u, true, nil
		}
	}
	u, ok, err := r.Internet.UserByNumber(ctx, number, id)
	if err != nil || !ok {
		return "", false, err
	}
	if r.internet != nil {
		r.internet.Add(key, u)
	}
	return u, true, nil
}

func (r *Resolver) boundUser(host string) (string, bool) {
	if r.Sessions != nil {
		if u, ok := r.Sessions.UserForAddr(host); ok && u != "" {
			return u, true
		}
	}
	if u, ok := r.TrustedIPs[host]; ok && u != "" {
		return u, true
	}
	return "", false
}

func (r *Resolver) deny(ctx context.Context, path, host string, class model.DenialClass, reason string) model.AuthDecision {
	log.Warn().Str("queue", path).Str("addr", host).Str("denial", string(class)).Msg(reason)
	if r.Notifier != nil {
		err := r.Notifier.Notify(ctx, notify.Event{
			Topic:    notify.TopicDenied,
			Severity: notify.SeverityWarning,
			Message:  reason,
			Queue:    path,
			Addr:     host,
		})
		if err != nil {
			log.Debug().Err(err).Msg("denial notification failed")
		}
	}
	return model.Deny(class, reason)
}

// DenialError classifies a denied decision for the transports.
func DenialError(op, addr string, d model.AuthDecision) error {
	if d.Allowed {
		return nil
	}
	err := errors.New(d.DenialReason)
	switch d.Denial {
	case model.DenialDisabled, model.DenialNotPrintable, model.DenialUnknownQueue:
		return ingress.WrapUnavailable(op, addr, err)
	}
	return ingress.WrapUnauthorized(op, addr, err)
}
