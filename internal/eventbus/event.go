// Package eventbus implements the event-bus port named in spec.md §6.3:
// the transport that carries log-style events (transaction status
// changes, rollup notifications) out of the engine to subscribers, with
// an in-process fanout transport and a gRPC streaming transport for
// out-of-process subscribers.
package eventbus

import (
	"github.com/nondetchain/consensus-core/internal/domain"
)

// Event is one notification emitted by the Effect Executor (spec.md
// §6.3). Data is intentionally loosely typed — its shape tracks whatever
// the originating Effect carried, mirroring the corpus's dict-of-extras
// log event payload.
type Event struct {
	Name          string
	TxHash        domain.Hash
	Account       domain.Address
	Message       string
	Data          map[string]any
	LogToTerminal bool
}

// Publisher is the narrow interface the Effect Executor depends on, so
// tests can swap in a recording fake without constructing a real Bus.
type Publisher interface {
	Publish(evt Event)
}
