// Package mocks provides testify mocks of the bus and intake interfaces.
package mocks

import (
	"context"

	"github.com/leadroute/leadroute/pkg/eventbus"
	"github.com/leadroute/leadroute/pkg/events"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockEventBus is a mock implementation of eventbus.EventBus interface.
type MockEventBus struct {
	mock.Mock
}

func (m *MockEventBus) Publish(ctx context.Context, key string, event eventbus.Event) error {
	args := m.Called(ctx, key, event)

	return args.Error(0)
}

func (m *MockEventBus) Handle(eventType events.EventType, handler eventbus.EventHandler) error {
	args := m.Called(eventType, handler)

	return args.Error(0)
}

func (m *MockEventBus) Subscribe(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockEventBus) Close() error {
	args := m.Called()

	return args.Error(0)
}

func (m *MockEventBus) GenerateID() string {
	args := m.Called()

	return args.String(0)
}

// MockSubmitter is a mock of the intake side of the submission service.
type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, submission models.Submission, source string) (*models.Submission, error) {
	args := m.Called(ctx, submission, source)

	accepted, _ := args.Get(0).(*models.Submission)

	return accepted, args.Error(1)
}
