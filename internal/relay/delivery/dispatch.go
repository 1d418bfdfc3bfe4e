// Package delivery composes the relay's three delivery tiers:
// live socket, webhook push, and store-and-forward, tried in that order
// until one accepts the envelope.
package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/uam-network/uam-relay/internal/relay/delivery/livesocket"
	"github.com/uam-network/uam-relay/internal/relay/delivery/webhook"
	"github.com/uam-network/uam-relay/internal/relay/model"
	"github.com/uam-network/uam-relay/internal/relay/store"
)

// Dispatcher routes an accepted envelope to its recipient through the
// first available tier.
type Dispatcher struct {
	storage  store.Storage
	sockets  *livesocket.Manager
	webhooks *webhook.Service
	log      *zap.Logger
}

// New constructs a Dispatcher over the given storage and delivery tiers.
func New(storage store.Storage, sockets *livesocket.Manager, webhooks *webhook.Service, log *zap.Logger) *Dispatcher {
	return &Dispatcher{storage: storage, sockets: sockets, webhooks: webhooks, log: log}
}

// Dispatch delivers wire to toAddress via live socket if connected,
// else via webhook if configured, else stores it for later pickup.
func (d *Dispatcher) Dispatch(ctx context.Context, toAddress string, wire map[string]any) error {
	if d.sockets != nil && d.sockets.Send(toAddress, wire) {
		return nil
	}

	agent, err := d.storage.GetAgent(ctx, toAddress)
	if err == nil && agent.WebhookURL != "" && d.webhooks != nil {
		if err := d.webhooks.Enqueue(ctx, toAddress, wire); err != nil && d.log != nil {
			d.log.Warn("delivery: webhook enqueue failed, falling back to store", zap.Error(err))
		} else {
			return nil
		}
	}

	return d.storeForLater(ctx, toAddress, wire)
}

func (d *Dispatcher) storeForLater(ctx context.Context, toAddress string, wire map[string]any) error {
	body, err := json.Marshal(wire)
	if err != nil {
		return fmt.Errorf("marshal envelope for store-and-forward: %w", err)
	}
	msg := &model.StoredMessage{
		ToAddress: toAddress,
		WireJSON:  string(body),
	}
	if expires, ok := wire["expires"].(string); ok && expires != "" {
		if t, err := time.Parse("2006-01-02T15:04:05.000Z", expires); err == nil {
			msg.Expires = &t
		}
	}
	return d.storage.InsertStoredMessage(ctx, msg)
}

// Drain delivers every stored message for an address that has just come
// online via live socket, called on WebSocket connect.
func (d *Dispatcher) Drain(ctx context.Context, address string) (int, error) {
	msgs, err := d.storage.DrainStoredMessages(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("drain stored messages: %w", err)
	}
	delivered := 0
	for _, m := range msgs {
		var wire map[string]any
		if err := json.Unmarshal([]byte(m.WireJSON), &wire); err != nil {
			if d.log != nil {
				d.log.Warn("delivery: drop malformed stored message", zap.Int64("id", m.ID), zap.Error(err))
			}
			continue
		}
		if d.sockets != nil && d.sockets.Send(address, wire) {
			delivered++
		}
	}
	return delivered, nil
}
