// Package persistence provides the storage abstraction for retained command messages.
package persistence

import "context"

// Persistence keeps the latest retained payload of every command topic so an agent
// without an external broker can rebuild its state after a restart.
type Persistence interface {
	Save(ctx context.Context, topic string, payload []byte) error
	Delete(ctx context.Context, topic string) error
	LoadAll(ctx context.Context) (map[string][]byte, error)
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}
