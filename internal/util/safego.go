// safego.go — panic-recovering goroutine launcher. Used where the broker
// emits to internal/winevent.Sink and where it reads an attached
// WebSocket, so a panic there can never take down a session's control loop
// (spec.md §5 "the emitter does not block on the consumer's processing").
package util

import (
	"runtime/debug"

	"github.com/rs/zerolog"
)

// SafeGo launches fn in a goroutine with deferred panic recovery. On
// panic it logs the stack trace via log and returns without calling
// os.Exit — background panics must be survivable so the broker stays up
// for the rest of the session.
func SafeGo(log zerolog.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error().
					Interface("panic", r).
					Str("stack", string(debug.Stack())).
					Msg("recovered panic in background goroutine")
			}
		}()
		fn()
	}()
}
