package remote

import (
	"context"
	"encoding/json"

	"github.com/flurbudurbur/Quill/internal/domain"
	"github.com/flurbudurbur/Quill/pkg/errors"

	"github.com/r3labs/sse/v2"
)

type sessionEventPayload struct {
	Event string `json:"event"`
	sessionResponse
}

func decodeSessionEvent(data []byte) (domain.SessionEvent, error) {
	var p sessionEventPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.SessionEvent{}, errors.Wrap(err, "could not decode session event")
	}

	evt := domain.SessionEvent{Type: domain.SessionEventType(p.Event)}
	if p.User.ID != "" || p.Token != "" {
		evt.Session = p.session()
	}
	return evt, nil
}

// Subscribe follows the service's session event stream until ctx ends.
func (c *Client) Subscribe(ctx context.Context, accessToken string, fn func(domain.SessionEvent)) error {
	client := sse.NewClient(c.baseURL + "/auth/events")
	client.Headers["Authorization"] = "Bearer " + accessToken
	client.Headers["Accept"] = "text/event-stream"

	err := client.SubscribeWithContext(ctx, "", func(msg *sse.Event) {
		if len(msg.Data) == 0 {
			return
		}
		evt, err := decodeSessionEvent(msg.Data)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping session event")
			return
		}
		c.log.Debug().Str("type", string(evt.Type)).Msg("session event")
		fn(evt)
	})
	if err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "session event stream")
	}

	return nil
}
