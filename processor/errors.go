package processor

import (
	"errors"
	"fmt"
)

// ErrBadPayload marks frames whose body does not decode into the schema the
// channel promises. They are logged and skipped; the stream stays up.
var ErrBadPayload = errors.New("payload does not match channel schema")

// RouteError wraps a handler failure with the route and channel it happened
// on, so one broken route never hides which part of the pipeline is sick.
type RouteError struct {
	Route   string
	Channel string
	Err     error
}

func (e *RouteError) Error() string {
	return fmt.Sprintf("route %s failed on %s: %v", e.Route, e.Channel, e.Err)
}

func (e *RouteError) Unwrap() error {
	return e.Err
}
