package forwarder

import "errors"

// Sentinel error kinds from the error taxonomy, C7 origin (plus C2's
// RouteNotFound, surfaced here since C7 is what translates it to a
// client-visible status).
var (
	ErrRouteNotFound       = errors.New("forwarder: route not found")
	ErrBadHost             = errors.New("forwarder: bad host")
	ErrUpstreamUnavailable = errors.New("forwarder: upstream unavailable")
	ErrUpstreamTimeout     = errors.New("forwarder: upstream timeout")
	ErrInternal            = errors.New("forwarder: internal error")
)
