package models

import (
	"time"

	"github.com/goccy/go-json"
)

// EventEnvelope is the unit of work flowing from a websocket session into the
// dispatcher. Data holds the raw subscription payload exactly as received so
// handlers decide how to decode it.
type EventEnvelope struct {
	Exchange   string          `json:"exchange"`
	AccountID  string          `json:"account_id"`
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	ReceivedAt time.Time       `json:"received_at"`
}

// PubMessage mirrors the websocket subscription frame so downstream consumers
// of the redis channels can reuse their websocket parsers.
type PubMessage struct {
	Method string    `json:"method"`
	Params PubParams `json:"params"`
}

type PubParams struct {
	Channel string      `json:"channel"`
	Data    interface{} `json:"data"`
}

// NewPubMessage wraps a payload in the subscription template keyed by the
// originating websocket channel.
func NewPubMessage(channel string, data interface{}) PubMessage {
	return PubMessage{
		Method: "subscription",
		Params: PubParams{Channel: channel, Data: data},
	}
}
