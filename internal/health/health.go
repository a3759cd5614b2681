package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/austindbirch/harbor_mesh/internal/node"
)

// Pinger is satisfied by *pgxpool.Pool
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool         `json:"ok"`
	Message  string       `json:"message,omitempty"`
	Database bool         `json:"database,omitempty"`
	Node     *node.Status `json:"node,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health of a node and,
// when pinger is set, of its registry database. A node that is not
// initialized or already stopped reports unhealthy.
func HTTPHandler(status func() node.Status, pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: pinger != nil}

		if status != nil {
			ns := status()
			st.Node = &ns
			if !ns.Initialized || ns.Stopped {
				st.OK = false
				st.Message = "node not running"
			}
		}

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
