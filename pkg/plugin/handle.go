package plugin

import (
	"context"

	"github.com/oriolrius/keycloak-kafka-scram-sync/pkg/broker"
)

// BrokerHandle wraps *broker.Client with the explicit, context-aware
// Close the host's plug-in lifecycle expects: the host calls Close
// once on shutdown, and the underlying broker connection must not be
// touched again afterward.
type BrokerHandle struct {
	*broker.Client
}

// NewBrokerHandle wraps an already-dialed broker client.
func NewBrokerHandle(c *broker.Client) *BrokerHandle {
	return &BrokerHandle{Client: c}
}

// Close releases the broker connection. The context is accepted for
// interface symmetry with the rest of this module's lifecycle hooks;
// the underlying client has no cancellable close path.
func (h *BrokerHandle) Close(ctx context.Context) error {
	h.Client.Close()
	return nil
}
