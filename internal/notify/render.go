// ABOUTME: Renders alerts as Markdown and converts them to HTML with goldmark
// ABOUTME: Shared by the Matrix sink (formatted body) and the webhook (text field)

package notify

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
)

// Message is a rendered alert.
type Message struct {
	Markdown string
	HTML     string
}

var markdown = goldmark.New()

func render(md string) (Message, error) {
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return Message{}, fmt.Errorf("rendering markdown: %w", err)
	}
	return Message{Markdown: md, HTML: strings.TrimSpace(buf.String())}, nil
}

// RenderOutage formats an outage alert.
func RenderOutage(a OutageAlert) (Message, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "**Agent offline:** `%s`\n\n", a.AgentID)
	if a.LastContact.IsZero() {
		b.WriteString("- Last contact: never\n")
	} else {
		fmt.Fprintf(&b, "- Last contact: %s\n", a.LastContact.UTC().Format(time.RFC3339))
	}
	if a.Idle > 0 {
		fmt.Fprintf(&b, "- Silent for: %s\n", a.Idle.Round(time.Second))
	}
	fmt.Fprintf(&b, "- Detected: %s\n", a.DetectedAt.UTC().Format(time.RFC3339))
	return render(b.String())
}

// RenderAgentAlert formats an agent alert.
func RenderAgentAlert(a AgentAlert) (Message, error) {
	var b strings.Builder
	title := a.Title
	if title == "" {
		title = a.Type
	}
	if title == "" {
		title = "Alert"
	}
	fmt.Fprintf(&b, "**[%s] %s** from `%s`\n\n", strings.ToUpper(a.Severity), title, a.AgentID)
	if a.Message != "" {
		fmt.Fprintf(&b, "%s\n\n", a.Message)
	}
	fmt.Fprintf(&b, "- Alert id: `%s`\n", a.AlertID)
	fmt.Fprintf(&b, "- Received: %s\n", a.ReceivedAt.UTC().Format(time.RFC3339))
	return render(b.String())
}
