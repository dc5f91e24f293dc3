package ports

import "meetwire/internal/core/domain"

// Notifier delivers events to connections. Deliveries to one connection keep
// the order in which they were submitted.
type Notifier interface {
	Notify(connID domain.ConnectionID, event domain.Event)
	Broadcast(event domain.Event)
}
