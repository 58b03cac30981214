// Package notify delivers alerts to humans.
//
// Two events page someone: an agent outage found by the presence sweep, and
// an agent alert whose severity is in alerts.severities. Sinks:
//
//   - Webhook: JSON POST with a Markdown text field, for chat-ops bridges.
//   - Matrix: formatted message into one room through mautrix.
//   - Multi: concurrent fan-out over several sinks using errgroup.
//
// Bodies are written in Markdown and converted to HTML with goldmark.
//
// Callers run notifier calls in the background with a timeout; a failed
// delivery is logged and never changes routing.
package notify
