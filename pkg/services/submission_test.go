package services

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/leadroute/leadroute/pkg/channels/gochannel"
	"github.com/leadroute/leadroute/pkg/eventbus"
	"github.com/leadroute/leadroute/pkg/events"
	"github.com/leadroute/leadroute/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	keys   []string
	events []eventbus.Event
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event eventbus.Event) error {
	p.keys = append(p.keys, key)
	p.events = append(p.events, event)

	return nil
}

func TestSubmission_SubmitPublishesReceivedEvent(t *testing.T) {
	f := newFixture(t)
	publisher := &recordingPublisher{}
	service := NewSubmission(publisher, f.logger)

	accepted, err := service.Submit(t.Context(), models.Submission{ServiceType: " HVAC ", Test: true}, "api")
	require.NoError(t, err)

	assert.NotEmpty(t, accepted.ID)
	assert.Equal(t, "HVAC", accepted.ServiceType)
	assert.False(t, accepted.Test)
	assert.False(t, accepted.CreatedAt.IsZero())

	require.Len(t, publisher.events, 1)
	assert.Equal(t, []string{accepted.ID}, publisher.keys)

	received, ok := publisher.events[0].(events.SubmissionReceived)
	require.True(t, ok)
	assert.Equal(t, events.SubmissionReceivedEvent, received.Type)
	assert.Equal(t, "api", received.Source)
	assert.Equal(t, accepted.ID, received.Submission.ID)
}

func TestSubmission_SubmitRequiresServiceType(t *testing.T) {
	f := newFixture(t)
	publisher := &recordingPublisher{}
	service := NewSubmission(publisher, f.logger)

	_, err := service.Submit(t.Context(), models.Submission{ID: "S1"}, "api")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, ErrInvalidSubmission)
	assert.Empty(t, publisher.events)
}

func TestRouter_RoutesSubmissionsFromEventBus(t *testing.T) {
	f := newFixture(t)
	server, calls := partnerServer(t)
	_, wf := f.createPartner(t, server.URL, nil)

	_, err := f.workflows.Patch(t.Context(), wf.ID, PatchWorkflowRequest{IsActive: ptr(true)})
	require.NoError(t, err)

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{}, 0, false)
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub, f.logger)
	t.Cleanup(func() { _ = bus.Close() })

	routed := make(chan *events.SubmissionRouted, 1)

	router := NewRouter(f.interpreter, bus, "worker-test", f.logger)
	require.NoError(t, bus.Handle(events.SubmissionReceivedEvent, router.HandleSubmissionReceived))
	require.NoError(t, bus.Handle(events.SubmissionRoutedEvent, func(_ context.Context, event any) error {
		routed <- event.(*events.SubmissionRouted)

		return nil
	}))

	ctx, cancel := context.WithCancel(t.Context())
	t.Cleanup(cancel)
	require.NoError(t, bus.Subscribe(ctx))

	service := NewSubmission(bus, f.logger)
	accepted, err := service.Submit(t.Context(), models.Submission{ID: "S-bus", ServiceType: "HVAC"}, "api")
	require.NoError(t, err)

	select {
	case event := <-routed:
		assert.Equal(t, accepted.ID, event.SubmissionID)
		assert.Equal(t, "worker-test", event.WorkerID)
		require.Len(t, event.Runs, 1)
		assert.Equal(t, wf.ID, event.Runs[0].WorkflowID)
		assert.Len(t, event.Runs[0].EntryIDs, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("submission was not routed")
	}

	assert.Equal(t, int32(1), calls.Load())

	// Redelivery of the same submission is absorbed by the ledger.
	_, err = service.Submit(t.Context(), models.Submission{ID: "S-bus", ServiceType: "HVAC"}, "api")
	require.NoError(t, err)

	select {
	case event := <-routed:
		require.Len(t, event.Runs, 1)
		assert.Empty(t, event.Runs[0].EntryIDs)
	case <-time.After(5 * time.Second):
		t.Fatal("redelivered submission was not routed")
	}

	assert.Equal(t, int32(1), calls.Load())
}

func TestRouter_RejectsUnexpectedEvent(t *testing.T) {
	f := newFixture(t)
	router := NewRouter(f.interpreter, nil, "worker-test", f.logger)

	err := router.HandleSubmissionReceived(t.Context(), "not an event")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
