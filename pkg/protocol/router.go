package protocol

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownHeader   = errors.New("unknown header type")
	ErrMissingResource = errors.New("header requires a resource")
)

// HandlerFunc handles a header type that carries no resource
type HandlerFunc[C any] func(ctx C) error

// ResourceHandlerFunc handles a header type whose resource is required
type ResourceHandlerFunc[C any] func(resource string, ctx C) error

type route[C any] struct {
	plain    HandlerFunc[C]
	resource ResourceHandlerFunc[C]
}

// Router maps header types to handlers. It is a flat table: the type part of a
// header selects exactly one handler, the resource part is passed as an argument.
// A Router is built once at startup and is not safe for concurrent registration.
type Router[C any] struct {
	routes map[string]route[C]
}

// NewRouter creates an empty router
func NewRouter[C any]() *Router[C] {
	return &Router[C]{routes: make(map[string]route[C])}
}

// Handle registers a handler that takes no resource. A resource present on the
// incoming header is ignored.
func (r *Router[C]) Handle(typ string, h HandlerFunc[C]) {
	r.routes[typ] = route[C]{plain: h}
}

// HandleResource registers a handler that requires a resource
func (r *Router[C]) HandleResource(typ string, h ResourceHandlerFunc[C]) {
	r.routes[typ] = route[C]{resource: h}
}

// Has reports whether a handler is registered for the header's type
func (r *Router[C]) Has(header string) bool {
	typ, _, _ := SplitHeader(header)
	_, ok := r.routes[typ]
	return ok
}

// Types returns the registered header types in sorted order
func (r *Router[C]) Types() []string {
	types := make([]string, 0, len(r.routes))
	for typ := range r.routes {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}

// Dispatch invokes the handler registered for the header's type.
// Unknown types return ErrUnknownHeader without invoking anything.
func (r *Router[C]) Dispatch(header string, ctx C) error {
	typ, resource, hasResource := SplitHeader(header)

	rt, ok := r.routes[typ]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHeader, typ)
	}

	if rt.plain != nil {
		return rt.plain(ctx)
	}

	if !hasResource {
		return fmt.Errorf("%w: %q", ErrMissingResource, typ)
	}
	return rt.resource(resource, ctx)
}
