package mocks

import (
	"context"

	"github.com/edgeops/edge-agent/pkg/commandstore"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of commandstore.Store interface.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Subscribe(ctx context.Context, pattern string) (commandstore.Subscription, error) {
	args := m.Called(ctx, pattern)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(commandstore.Subscription), args.Error(1)
}

func (m *MockStore) Publish(ctx context.Context, topic string, payload []byte) error {
	args := m.Called(ctx, topic, payload)

	return args.Error(0)
}

func (m *MockStore) Clear(ctx context.Context, topic string) error {
	args := m.Called(ctx, topic)

	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()

	return args.Error(0)
}

// MockRebooter is a mock implementation of runner.Rebooter interface.
type MockRebooter struct {
	mock.Mock
}

func (m *MockRebooter) Reboot(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
