package main

import (
	"encoding/json"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/w1xm/mount_interface/internal/logging"
)

// subscriberBuffer is the number of messages queued per websocket client
// before further messages are dropped.
const subscriberBuffer = 64

// Message is sent to websocket clients.
type Message struct {
	Type   string `json:"type"`
	Device string `json:"device,omitempty"`
	// ID echoes the command id in results.
	ID   string `json:"id,omitempty"`
	Data any    `json:"data,omitempty"`
}

// Message types.
const (
	TypeDevices  = "devices"
	TypeStatus   = "status"
	TypePosition = "position"
	TypeDriver   = "driver"
	TypeResult   = "result"
)

type subscriber struct {
	ch      chan []byte
	dropped atomic.Int64
}

// hub broadcasts messages to every websocket client without blocking the
// sender.
type hub struct {
	subs *xsync.MapOf[*subscriber, struct{}]
	log  *logging.Logger
}

func newHub(log *logging.Logger) *hub {
	return &hub{subs: xsync.NewMapOf[*subscriber, struct{}](), log: log}
}

func (h *hub) subscribe() *subscriber {
	s := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.subs.Store(s, struct{}{})
	return s
}

func (h *hub) unsubscribe(s *subscriber) {
	h.subs.Delete(s)
}

func (h *hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("encoding message", "type", msg.Type, "error", err)
		return
	}
	h.subs.Range(func(s *subscriber, _ struct{}) bool {
		select {
		case s.ch <- data:
		default:
			if s.dropped.Add(1) == 1 {
				h.log.Warn("websocket client too slow, dropping messages")
			}
		}
		return true
	})
}
