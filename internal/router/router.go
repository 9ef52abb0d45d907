// Package router classifies inbound protocol messages and decides where each
// one goes: a dynamic override, a built-in handler, or a backend.
//
// Every call is answered exactly once, whatever happens while handling it.
// Notifications are never answered. Failures are classified (see Classify)
// and logged accordingly; none of them stops the process.
package router

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/dshills/langbridge/internal/rpc"
	"github.com/dshills/langbridge/internal/state"
)

// Errors returned by the router.
var (
	// ErrUnhandledMethod indicates a backend message no handler accepts.
	ErrUnhandledMethod = errors.New("unhandled method")

	// ErrUnknownEndpoint indicates an override naming an endpoint that is not
	// installed.
	ErrUnknownEndpoint = errors.New("unknown override endpoint")
)

// Request is an inbound message as seen by a built-in handler.
type Request struct {
	Method string
	// Params is never empty; absent params are null.
	Params json.RawMessage
	// Source is the backend the message came from, empty for the editor.
	Source rpc.LanguageID
}

// CallHandler answers a call. A nil result is sent as null.
type CallHandler func(ctx context.Context, req *Request) (any, error)

// NotificationHandler handles a notification.
type NotificationHandler func(ctx context.Context, req *Request) error

// Table is the set of built-in handlers, built once at startup.
type Table struct {
	Calls         map[string]CallHandler
	Notifications map[string]NotificationHandler
}

// Backends forwards messages to a backend by its language id.
type Backends interface {
	Call(ctx context.Context, id rpc.LanguageID, method string, params json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, id rpc.LanguageID, method string, params json.RawMessage) error
}

// Endpoint receives overridden traffic as a named procedure.
type Endpoint interface {
	Call(ctx context.Context, procedure string, params json.RawMessage) (json.RawMessage, error)
	Notify(ctx context.Context, procedure string, params json.RawMessage) error
}

// Reconciler runs after every message. Its failures are only logged.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Router is the rpc.Handler for the editor and every backend connection.
type Router struct {
	store      *state.Store
	table      Table
	backends   Backends
	resolver   *Resolver
	endpoints  map[string]Endpoint
	reconciler Reconciler
	log        zerolog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithEndpoint installs an override endpoint under name.
func WithEndpoint(name string, ep Endpoint) Option {
	return func(r *Router) {
		r.endpoints[name] = ep
	}
}

// WithReconciler sets the post-dispatch reconciliation step.
func WithReconciler(rc Reconciler) Option {
	return func(r *Router) {
		r.reconciler = rc
	}
}

// WithLogger sets the router logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Router) {
		r.log = l
	}
}

// New creates a router.
func New(store *state.Store, table Table, backends Backends, resolver *Resolver, opts ...Option) *Router {
	r := &Router{
		store:     store,
		table:     table,
		backends:  backends,
		resolver:  resolver,
		endpoints: make(map[string]Endpoint),
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.table.Calls == nil {
		r.table.Calls = make(map[string]CallHandler)
	}
	if r.table.Notifications == nil {
		r.table.Notifications = make(map[string]NotificationHandler)
	}
	return r
}

var _ rpc.Handler = (*Router)(nil)

// HandleCall dispatches a call and sends its single response.
func (r *Router) HandleCall(ctx context.Context, reply rpc.Replier, call *rpc.Call) {
	start := time.Now()
	defer func() {
		dispatchDuration.WithLabelValues(kindCall).Observe(time.Since(start).Seconds())
	}()

	var (
		result any
		err    error
		route  = routeInvalid
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = errors.Newf("panic while handling %s: %v", call.Method, p)
			}
		}()
		result, route, err = r.dispatchCall(ctx, call)
	}()
	messagesTotal.WithLabelValues(kindCall, route).Inc()

	if ce := Classify(err); ce != nil {
		errorsTotal.WithLabelValues(kindCall, ce.Class.String()).Inc()
		switch ce.Class {
		case Ignorable:
			result, err = nil, nil
		case AlreadyReported:
		default:
			r.logFailure(kindCall, call.Method, call.Source, call.Params, err)
		}
	}

	if rerr := reply(ctx, result, err); rerr != nil {
		r.log.Warn().Err(rerr).Str("method", call.Method).Msg("failed to send response")
	}

	r.reconcile(ctx)
}

// HandleNotification dispatches a notification. Nothing is sent back.
func (r *Router) HandleNotification(ctx context.Context, n *rpc.Notification) {
	start := time.Now()
	defer func() {
		dispatchDuration.WithLabelValues(kindNotification).Observe(time.Since(start).Seconds())
	}()

	var (
		err   error
		route = routeInvalid
	)
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = errors.Newf("panic while handling %s: %v", n.Method, p)
			}
		}()
		route, err = r.dispatchNotification(ctx, n)
	}()
	messagesTotal.WithLabelValues(kindNotification, route).Inc()

	if ce := Classify(err); ce != nil {
		errorsTotal.WithLabelValues(kindNotification, ce.Class.String()).Inc()
		if ce.Class == Unexpected {
			r.logFailure(kindNotification, n.Method, n.Source, n.Params, err)
		}
	}

	r.reconcile(ctx)
}

func (r *Router) dispatchCall(ctx context.Context, call *rpc.Call) (any, string, error) {
	params, err := rpc.NormalizeParams(call.Params)
	if err != nil {
		return nil, routeInvalid, err
	}

	if target, ok := r.override(call.Method); ok {
		ep, err := r.endpoint(target)
		if err != nil {
			return nil, routeOverride, err
		}
		result, err := ep.Call(ctx, target.Procedure, params)
		return result, routeOverride, err
	}

	if h, ok := r.table.Calls[call.Method]; ok {
		result, err := h(ctx, &Request{Method: call.Method, Params: params, Source: call.Source})
		return result, routeBuiltin, err
	}

	if call.Source != "" {
		if rpc.IsReserved(call.Method) {
			r.log.Warn().
				Str("method", call.Method).
				Str("source", string(call.Source)).
				Msg("unsupported reserved call, answering with null")
			return nil, routeReserved, nil
		}
		return nil, routeUnhandled, unhandled(call.Method, call.Source)
	}

	id, err := r.resolver.Resolve(params)
	if err != nil {
		return nil, routeProxy, err
	}
	result, err := r.backends.Call(ctx, id, call.Method, params)
	return result, routeProxy, err
}

func (r *Router) dispatchNotification(ctx context.Context, n *rpc.Notification) (string, error) {
	params, err := rpc.NormalizeParams(n.Params)
	if err != nil {
		return routeInvalid, err
	}

	if target, ok := r.override(n.Method); ok {
		ep, err := r.endpoint(target)
		if err != nil {
			return routeOverride, err
		}
		return routeOverride, ep.Notify(ctx, target.Procedure, params)
	}

	if h, ok := r.table.Notifications[n.Method]; ok {
		return routeBuiltin, h(ctx, &Request{Method: n.Method, Params: params, Source: n.Source})
	}

	if n.Source != "" {
		if rpc.IsReserved(n.Method) {
			r.log.Warn().
				Str("method", n.Method).
				Str("source", string(n.Source)).
				Msg("dropping unsupported reserved notification")
			return routeReserved, nil
		}
		return routeUnhandled, unhandled(n.Method, n.Source)
	}

	id, err := r.resolver.Resolve(params)
	if err != nil {
		return routeProxy, err
	}
	return routeProxy, r.backends.Notify(ctx, id, n.Method, params)
}

// override returns the dynamic override registered for method.
func (r *Router) override(method string) (state.Target, bool) {
	t := state.Read(r.store, func(s *state.State) *state.Target {
		if t, ok := s.Override(method); ok {
			return &t
		}
		return nil
	})
	if t == nil {
		return state.Target{}, false
	}
	return *t, true
}

func (r *Router) endpoint(t state.Target) (Endpoint, error) {
	ep, ok := r.endpoints[t.Endpoint]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownEndpoint, "%q for procedure %s", t.Endpoint, t.Procedure)
	}
	return ep, nil
}

// reconcile runs the post-dispatch step. It never fails the message.
func (r *Router) reconcile(ctx context.Context) {
	if r.reconciler == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			reconcileFailures.Inc()
			r.log.Warn().Interface("panic", p).Msg("reconciliation panicked")
		}
	}()
	if err := r.reconciler.Reconcile(ctx); err != nil {
		reconcileFailures.Inc()
		r.log.Warn().Err(err).Msg("reconciliation failed")
	}
}

func (r *Router) logFailure(kind, method string, source rpc.LanguageID, params json.RawMessage, err error) {
	ev := r.log.Error().
		Str("kind", kind).
		Str("method", method).
		Str("source", string(source))
	if len(params) > 0 && json.Valid(params) {
		ev = ev.RawJSON("params", params)
	} else {
		ev = ev.Str("params", string(params))
	}
	ev.Err(err).Msg("failed to handle message")
}

// unhandled builds the error for a backend message no handler accepts. It
// carries the method-not-found code to the peer.
func unhandled(method string, source rpc.LanguageID) error {
	return errors.Mark(
		rpc.NewError(rpc.CodeMethodNotFound, "unhandled method %s from %s", method, source),
		ErrUnhandledMethod,
	)
}
