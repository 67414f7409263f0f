// Package notify pushes trade events to a Discord webhook. Messages
// below the configured level are dropped, so routine trigger
// adjustments stay out of the channel while fills and errors get
// through.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"trailbot/logging"
)

// Levels order messages by importance.
const (
	LevelInfo  = 0 // trigger adjustments, routine chatter
	LevelTrade = 1 // fills, cancels, halts
)

const (
	colorInfo  = 0x3498db
	colorTrade = 0x2ecc71
)

// Notifier delivers messages at or above a minimum level.
type Notifier struct {
	url      string
	minLevel int
	enabled  bool
	client   *http.Client
	logger   logging.LoggerInterface

	// Clock override for tests.
	now func() time.Time
}

// New creates a notifier. An empty url disables delivery entirely.
func New(url string, minLevel int, logger logging.LoggerInterface) *Notifier {
	return &Notifier{
		url:      url,
		minLevel: minLevel,
		enabled:  url != "",
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
		now:      time.Now,
	}
}

// Notify sends one message. Delivery is fire-and-forget: a webhook
// outage must never stall the trading loop, so failures only log.
func (n *Notifier) Notify(level int, format string, args ...interface{}) {
	if !n.enabled || level < n.minLevel {
		return
	}
	msg := fmt.Sprintf(format, args...)

	color := colorInfo
	title := "Update"
	if level >= LevelTrade {
		color = colorTrade
		title = "Trade"
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title,
				"description": msg,
				"color":       color,
				"timestamp":   n.now().Format(time.RFC3339),
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		n.logger.Error("Notify: marshal: %v", err)
		return
	}

	go func() {
		resp, err := n.client.Post(n.url, "application/json", bytes.NewBuffer(data))
		if err != nil {
			n.logger.Error("Notify: post: %v", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			n.logger.Error("Notify: webhook returned status %d", resp.StatusCode)
		}
	}()
}
