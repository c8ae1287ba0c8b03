package voice

import (
	"github.com/ent0n29/voicebridge/internal/backend"
	"github.com/ent0n29/voicebridge/internal/dispatch"
	"github.com/ent0n29/voicebridge/internal/engine"
)

// BackendFactory returns a backend client acting with the session's
// credential. An empty token means unauthenticated calls.
type BackendFactory func(authToken string) backend.Backend

// StaticBackend serves every session from one backend.
func StaticBackend(b backend.Backend) BackendFactory {
	return func(string) backend.Backend { return b }
}

// engineFunctions converts the dispatch table schemas for the agent.
func engineFunctions() []engine.Function {
	defs := dispatch.Definitions()
	out := make([]engine.Function, 0, len(defs))
	for _, d := range defs {
		out = append(out, engine.Function{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return out
}
