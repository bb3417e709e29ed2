package handlers

import (
	"time"

	"github.com/rs/zerolog/log"

	"instapilot/internal/models"
)

// webhookPayload mirrors the Graph webhook delivery envelope.
type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string             `json:"id"`
	Time      int64              `json:"time"`
	Changes   []webhookChange    `json:"changes"`
	Messaging []webhookMessaging `json:"messaging"`
}

type webhookChange struct {
	Field string             `json:"field"`
	Value webhookChangeValue `json:"value"`
}

type webhookChangeValue struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
}

type webhookMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID    string `json:"mid"`
		Text   string `json:"text"`
		IsEcho bool   `json:"is_echo"`
	} `json:"message"`
}

// normalizeEvents translates one webhook delivery into inbound events. The
// type dispatch happens exactly once, here: past this point everything is a
// typed comment or message event.
func normalizeEvents(payload *webhookPayload) []*models.InboundEvent {
	var events []*models.InboundEvent

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			// Comments are the only field that arrives as a change; messages
			// come through entry.Messaging. Anything else is acknowledged and
			// dropped.
			if change.Field != "comments" {
				log.Debug().Str("field", change.Field).Msg("Ignoring unsupported webhook field")
				continue
			}
			if change.Value.ID == "" {
				continue
			}
			events = append(events, &models.InboundEvent{
				ExternalID:   change.Value.ID,
				Kind:         models.EventKindComment,
				SenderID:     change.Value.From.ID,
				SenderHandle: change.Value.From.Username,
				RecipientID:  entry.ID,
				MediaID:      change.Value.Media.ID,
				Text:         change.Value.Text,
				ReceivedAt:   entryTime(entry.Time),
			})
		}

		for _, msg := range entry.Messaging {
			if msg.Message == nil || msg.Message.MID == "" {
				continue
			}
			events = append(events, &models.InboundEvent{
				ExternalID:  msg.Message.MID,
				Kind:        models.EventKindMessage,
				SenderID:    msg.Sender.ID,
				RecipientID: msg.Recipient.ID,
				Text:        msg.Message.Text,
				Echo:        msg.Message.IsEcho,
				ReceivedAt:  messagingTime(msg.Timestamp),
			})
		}
	}

	return events
}

func entryTime(unixSeconds int64) time.Time {
	if unixSeconds == 0 {
		return time.Now()
	}
	return time.Unix(unixSeconds, 0)
}

// Messaging timestamps arrive in milliseconds.
func messagingTime(unixMillis int64) time.Time {
	if unixMillis == 0 {
		return time.Now()
	}
	return time.UnixMilli(unixMillis)
}
