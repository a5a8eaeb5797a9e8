// Package errors provides the error classification used across the bridge.
//
// # Classification
//
// Every error is sorted into one of three classes:
//
//   - Transient: timeouts, lost connections, an unavailable peer. Retry or drop the
//     current update and try again on the next tick.
//   - Invalid: a node identifier conflict, a value of the wrong type, a rejected
//     session identity. Skip the offending item and keep going.
//   - Fatal: a malformed parameter set or unreadable key material. Stop before the
//     server accepts connections.
//
// Classification looks at ClassifiedError first, then at the sentinel errors of
// this package, and finally at well-known message fragments.
//
// # Wrapping
//
// Errors are wrapped with the "component.method: action failed: %w" pattern:
//
//	if err := srv.WriteValue(ctx, h, v, ts); err != nil {
//	    return errors.WrapTransient(err, "syncloop", "Tick", "value write")
//	}
//
// The wrapped error still matches its sentinel:
//
//	errors.Is(err, errors.ErrNodeConflict)
//
// # Parameters
//
// ParameterError names the offending key and matches ErrParameter:
//
//	return errors.NewParameterError("namespace_uri", "required key missing")
//
// Because this package shadows the standard library package of the same name,
// import it under an alias where both are needed:
//
//	import (
//	    "errors"
//
//	    semerrors "github.com/c360/semstreams-opcua/errors"
//	)
package errors
