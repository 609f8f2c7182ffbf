package notify

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"deskline/api/internal/bus"
	"deskline/api/internal/push"
	"deskline/api/internal/store"
)

type fakeRosters struct {
	roster    []store.RosterMember
	rosterErr error
}

func (f *fakeRosters) GetDepartment(_ context.Context, id string) (store.Department, error) {
	return store.Department{ID: id, CompanyID: "co-1", Name: "Finance", IsActive: true}, nil
}

func (f *fakeRosters) DepartmentRoster(context.Context, string) ([]store.RosterMember, error) {
	return f.roster, f.rosterErr
}

type fakePublisher struct {
	mu      sync.Mutex
	failFor map[string]bool
	sent    []Request
}

func (p *fakePublisher) Publish(_ context.Context, exchange, routingKey string, env bus.Envelope) bool {
	var request Request
	if err := env.Decode(&request); err != nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if exchange != bus.ExchangeNotifications || routingKey != bus.NotificationRequested || p.failFor[request.RecipientID] {
		return false
	}
	p.sent = append(p.sent, request)
	return true
}

type fakeNotifications struct {
	mu     sync.Mutex
	stored map[string]store.Notification
	err    error
}

func (f *fakeNotifications) InsertNotification(_ context.Context, item store.Notification) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stored == nil {
		f.stored = map[string]store.Notification{}
	}
	key := item.MessageID + "/" + item.RecipientID
	if _, ok := f.stored[key]; ok {
		return false, nil
	}
	f.stored[key] = item
	return true, nil
}

type countingPush struct {
	calls int
	err   error
}

func (c *countingPush) Send(context.Context, push.Push) error {
	c.calls++
	return c.err
}

func createdEnvelope(t *testing.T, payload map[string]any) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.MessageCreated, payload)
	require.NoError(t, err)
	return env
}

func requestEnvelope(t *testing.T, request Request) bus.Envelope {
	t.Helper()
	env, err := bus.NewEnvelope(bus.NotificationRequested, request)
	require.NoError(t, err)
	return env
}

func TestRequesterSkipsSender(t *testing.T) {
	rosters := &fakeRosters{roster: []store.RosterMember{
		{UserID: "u-1", DisplayName: "Emma"},
		{UserID: "u-2", DisplayName: "Colin"},
		{UserID: "u-3", DisplayName: "Maya"},
	}}
	pub := &fakePublisher{}
	requester := NewRequester(rosters, pub, zerolog.Nop())

	err := requester.HandleMessageCreated(context.Background(), createdEnvelope(t, map[string]any{
		"id":           "m-1",
		"departmentId": "d-1",
		"companyId":    "co-1",
		"senderId":     "u-2",
		"senderName":   "Colin",
		"type":         "TEXT",
		"content":      "quarterly numbers are in",
	}))
	require.NoError(t, err)
	require.Len(t, pub.sent, 2)
	for _, request := range pub.sent {
		require.NotEqual(t, "u-2", request.RecipientID)
		require.Equal(t, "m-1", request.MessageID)
		require.Equal(t, "Finance", request.Title)
		require.Equal(t, "Colin: quarterly numbers are in", request.Body)
	}
}

func TestRequesterRosterFailureIsRetried(t *testing.T) {
	requester := NewRequester(&fakeRosters{rosterErr: errors.New("db down")}, &fakePublisher{}, zerolog.Nop())

	err := requester.HandleMessageCreated(context.Background(), createdEnvelope(t, map[string]any{"id": "m-1", "departmentId": "d-1", "senderId": "u-1"}))
	require.ErrorContains(t, err, "db down")
}

func TestRequesterReportsDroppedPublishes(t *testing.T) {
	rosters := &fakeRosters{roster: []store.RosterMember{{UserID: "u-1"}, {UserID: "u-2"}}}
	pub := &fakePublisher{failFor: map[string]bool{"u-2": true}}
	requester := NewRequester(rosters, pub, zerolog.Nop())

	err := requester.HandleMessageCreated(context.Background(), createdEnvelope(t, map[string]any{"id": "m-1", "departmentId": "d-1", "senderId": "u-9", "type": "VOICE"}))
	require.Error(t, err)
	require.Len(t, pub.sent, 1)
	require.Equal(t, "Voice message", pub.sent[0].Body)
}

func TestPreview(t *testing.T) {
	long := make([]rune, previewLength+10)
	for i := range long {
		long[i] = 'é'
	}
	content := string(long)

	require.Equal(t, "Emma: Document for approval: Invoice 7", preview(messagePayload{
		SenderName: "Emma",
		Type:       store.MessageDocument,
		Approval: &struct {
			DocumentName string `json:"documentName"`
		}{DocumentName: "Invoice 7"},
	}))
	require.Equal(t, "Sent a file", preview(messagePayload{Type: store.MessageFile}))

	got := preview(messagePayload{Type: store.MessageText, Content: &content})
	require.Equal(t, previewLength+1, len([]rune(got)))
}

func TestDelivererStoresThenPushesOnce(t *testing.T) {
	notifications := &fakeNotifications{}
	provider := &countingPush{}
	deliverer := NewDeliverer(notifications, provider, zerolog.Nop())
	env := requestEnvelope(t, Request{RecipientID: "u-1", MessageID: "m-1", DepartmentID: "d-1", CompanyID: "co-1", Title: "Finance", Body: "hi"})

	require.NoError(t, deliverer.HandleRequested(context.Background(), env))
	require.NoError(t, deliverer.HandleRequested(context.Background(), env))

	require.Len(t, notifications.stored, 1)
	require.Equal(t, 1, provider.calls)
	stored := notifications.stored["m-1/u-1"]
	require.JSONEq(t, `{"messageId":"m-1","departmentId":"d-1","companyId":"co-1"}`, string(stored.Data))
}

func TestDelivererSwallowsPushFailures(t *testing.T) {
	notifications := &fakeNotifications{}
	deliverer := NewDeliverer(notifications, &countingPush{err: errors.New("gateway down")}, zerolog.Nop())

	err := deliverer.HandleRequested(context.Background(), requestEnvelope(t, Request{RecipientID: "u-1", MessageID: "m-1"}))
	require.NoError(t, err)
	require.Len(t, notifications.stored, 1)
}

func TestDelivererStoreFailureIsRetried(t *testing.T) {
	provider := &countingPush{}
	deliverer := NewDeliverer(&fakeNotifications{err: errors.New("db down")}, provider, zerolog.Nop())

	err := deliverer.HandleRequested(context.Background(), requestEnvelope(t, Request{RecipientID: "u-1", MessageID: "m-1"}))
	require.Error(t, err)
	require.Zero(t, provider.calls)
}

type bindingRecorder struct {
	queues []string
}

func (b *bindingRecorder) ConsumeWhenReady(_ context.Context, binding bus.Binding, _ bus.Handler) {
	b.queues = append(b.queues, binding.Queue)
}

func TestRegisterBindsNotifierQueues(t *testing.T) {
	rec := &bindingRecorder{}
	NewRequester(&fakeRosters{}, &fakePublisher{}, zerolog.Nop()).Register(context.Background(), rec)
	NewDeliverer(&fakeNotifications{}, nil, zerolog.Nop()).Register(context.Background(), rec)

	require.Equal(t, []string{bus.QueueNotifierMessageCreated, bus.QueueNotifierRequested}, rec.queues)
}
