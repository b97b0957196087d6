// Package message provides the outbound messaging tools: immediate
// sends through a transport channel and scheduled sends via cron.
package message

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lucydhq/lucyd/internal/agent"
	"github.com/lucydhq/lucyd/internal/channels"
)

// Tools returns the send_message and schedule_message descriptors.
// defaultChannel is used when a call does not name one.
func Tools(registry *channels.Registry, defaultChannel string, scheduler *Scheduler) []agent.Tool {
	return []agent.Tool{
		{
			Name:        "send_message",
			Description: "Send a message to a contact through a transport channel immediately.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["contact", "text"],
				"properties": {
					"contact": {"type": "string"},
					"text": {"type": "string"},
					"channel": {"type": "string", "description": "Transport name; defaults to the configured channel"}
				}
			}`),
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Contact string `json:"contact"`
					Text    string `json:"text"`
					Channel string `json:"channel"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				channel := args.Channel
				if channel == "" {
					channel = defaultChannel
				}
				if err := registry.Send(ctx, channel, args.Contact, args.Text); err != nil {
					return "", err
				}
				return fmt.Sprintf("Sent to %s via %s", args.Contact, channel), nil
			},
		},
		{
			Name:        "schedule_message",
			Description: "Schedule a message: once after a delay, or recurring on a cron expression.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"required": ["contact", "text"],
				"properties": {
					"contact": {"type": "string"},
					"text": {"type": "string"},
					"channel": {"type": "string"},
					"delay_seconds": {"type": "integer", "minimum": 1, "description": "Send once after this many seconds"},
					"cron": {"type": "string", "description": "Standard cron expression for recurring sends"}
				}
			}`),
			Handler: func(ctx context.Context, input json.RawMessage) (string, error) {
				var args struct {
					Contact      string `json:"contact"`
					Text         string `json:"text"`
					Channel      string `json:"channel"`
					DelaySeconds int    `json:"delay_seconds"`
					Cron         string `json:"cron"`
				}
				if err := json.Unmarshal(input, &args); err != nil {
					return "", err
				}
				channel := args.Channel
				if channel == "" {
					channel = defaultChannel
				}

				switch {
				case strings.TrimSpace(args.Cron) != "":
					id, err := scheduler.ScheduleCron(args.Cron, channel, args.Contact, args.Text)
					if err != nil {
						return fmt.Sprintf("invalid cron expression: %v", err), nil
					}
					return fmt.Sprintf("Scheduled recurring message (entry %d) for %s", id, args.Contact), nil

				case args.DelaySeconds > 0:
					scheduler.ScheduleOnce(time.Duration(args.DelaySeconds)*time.Second, channel, args.Contact, args.Text)
					return fmt.Sprintf("Scheduled message to %s in %ds", args.Contact, args.DelaySeconds), nil

				default:
					return "either delay_seconds or cron is required", nil
				}
			},
		},
	}
}
