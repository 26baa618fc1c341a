// Package dispatch displays notifications to the user.
package dispatch

import (
	"context"
	"log/slog"
	"strings"

	"localbuzz/internal/model"
)

const defaultBody = "New update available"

// Notification is what the user sees. Tag identifies the item so repeated
// displays of the same item replace each other.
type Notification struct {
	Title string
	Body  string
	Tag   string
	URL   string
}

// Sender displays a notification.
type Sender interface {
	Notify(ctx context.Context, n Notification) error
}

// ForItem builds the notification for a matched item. linkBase, when set,
// is used to build a link to the item's shop.
func ForItem(m model.MatchedItem, linkBase string) Notification {
	return build(m.SourceName, m.Title, m.Description, m.ID, m.SourceID, linkBase)
}

// ForQueued builds the notification for a server-queued entry.
func ForQueued(q model.QueuedNotification, linkBase string) Notification {
	return build(q.SourceName, q.Title, q.Body, q.ItemID, q.SourceID, linkBase)
}

func build(sourceName, title, body, tag, sourceID, linkBase string) Notification {
	n := Notification{Title: title, Body: body, Tag: tag}
	if sourceName != "" {
		n.Title = sourceName + " — " + title
	}
	if strings.TrimSpace(n.Body) == "" {
		n.Body = defaultBody
	}
	if linkBase != "" && sourceID != "" {
		n.URL = strings.TrimRight(linkBase, "/") + "/shops/" + sourceID
	}
	return n
}

// LogSender writes notifications to the log. It is used when no other
// display is configured.
type LogSender struct {
	log *slog.Logger
}

// NewLogSender creates a LogSender.
func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

// Notify logs n.
func (s *LogSender) Notify(_ context.Context, n Notification) error {
	s.log.Info("notification", "title", n.Title, "body", n.Body, "tag", n.Tag, "url", n.URL)
	return nil
}

// Prompt always allows notifications.
func (s *LogSender) Prompt(context.Context) error {
	return nil
}
