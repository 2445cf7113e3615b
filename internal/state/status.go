package state

import (
	"encoding/json"
	"net/http"

	"github.com/keithlinneman/otaclient/internal/index"
)

// statusBody is the wire shape of the ops /status endpoint.
type statusBody struct {
	State         State        `json:"state"`
	Channel       string       `json:"channel"`
	Device        string       `json:"device"`
	CurrentBuild  int          `json:"current_build"`
	TargetBuild   int          `json:"target_build,omitzero"`
	Reason        index.Reason `json:"reason,omitzero"`
	ReceivedBytes int64        `json:"received_bytes,omitzero"`
	TotalBytes    int64        `json:"total_bytes,omitzero"`
	LastError     string       `json:"last_error,omitzero"`
}

// StatusHandler serves a JSON snapshot of the update machine for the ops
// surface.
func (c *Client) StatusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		body := statusBody{
			State:        c.state,
			Channel:      c.channel,
			Device:       c.device,
			CurrentBuild: c.currentBuild,
		}
		if c.lastErr != nil {
			body.LastError = c.lastErr.Error()
		}
		if c.cycle != nil {
			body.Reason = c.cycle.outcome.Reason
			body.TargetBuild = c.cycle.outcome.Target
		}
		c.mu.Unlock()

		body.ReceivedBytes, body.TotalBytes = c.Progress()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(body); err != nil {
			c.log.Error(r.Context(), err, "encode status")
		}
	})
}
