// ABOUTME: Matrix notifier that posts formatted alerts into a room
// ABOUTME: Uses mautrix with an access token; the Markdown body is rendered to HTML

package notify

import (
	"context"
	"fmt"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Matrix posts alerts to a Matrix room.
type Matrix struct {
	client *mautrix.Client
	roomID id.RoomID
}

// NewMatrix creates a Matrix notifier for the given homeserver and room.
func NewMatrix(homeserver, userID, accessToken, roomID string) (*Matrix, error) {
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	return &Matrix{client: client, roomID: id.RoomID(roomID)}, nil
}

// SendOutageAlert posts an outage alert.
func (m *Matrix) SendOutageAlert(ctx context.Context, alert OutageAlert) error {
	msg, err := RenderOutage(alert)
	if err != nil {
		return err
	}
	return m.send(ctx, msg)
}

// SendAgentAlert posts an agent alert.
func (m *Matrix) SendAgentAlert(ctx context.Context, alert AgentAlert) error {
	msg, err := RenderAgentAlert(alert)
	if err != nil {
		return err
	}
	return m.send(ctx, msg)
}

func (m *Matrix) send(ctx context.Context, msg Message) error {
	content := &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          msg.Markdown,
		Format:        event.FormatHTML,
		FormattedBody: msg.HTML,
	}
	if _, err := m.client.SendMessageEvent(ctx, m.roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending matrix message: %w", err)
	}
	return nil
}
