package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/embra/widgetbridge/internal/config"
	"github.com/embra/widgetbridge/internal/logger"
	"github.com/embra/widgetbridge/pkg/endpoints"
	"github.com/embra/widgetbridge/pkg/events"
	"github.com/embra/widgetbridge/pkg/types"
)

// mockSource is a test message source that counts subscribe calls
type mockSource struct {
	mu               sync.Mutex
	handler          func(ctx context.Context, env *types.Envelope)
	subscribeCalls   int
	unsubscribeCalls int
	subscribeErr     error
}

func (m *mockSource) Subscribe(handler func(ctx context.Context, env *types.Envelope)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeCalls++
	if m.subscribeErr != nil {
		return m.subscribeErr
	}
	m.handler = handler
	return nil
}

func (m *mockSource) Unsubscribe() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribeCalls++
	m.handler = nil
	return nil
}

func (m *mockSource) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribeCalls, m.unsubscribeCalls
}

// recordingSink is a test reply sink that records response payloads
type recordingSink struct {
	mu        sync.Mutex
	responses []*types.MessageData
	err       error
}

func (s *recordingSink) Respond(ctx context.Context, data *types.MessageData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.responses = append(s.responses, data)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.responses)
}

func (s *recordingSink) last() *types.MessageData {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.responses) == 0 {
		return nil
	}
	return s.responses[len(s.responses)-1]
}

// eventRecorder collects events from the bus
type eventRecorder struct {
	mu     sync.Mutex
	events []types.Event
}

func (r *eventRecorder) Handle(ctx context.Context, event types.Event) error {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
	return nil
}

func (r *eventRecorder) CanHandle(eventType types.EventType) bool {
	return true
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *eventRecorder) first() types.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[0]
}

const trustedOrigin = "https://trusted.example.com"

// setupTestBroker creates a broker with a registry trusting trustedOrigin
func setupTestBroker(t *testing.T) (*Broker, *mockSource, *events.Bus) {
	t.Helper()

	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	registry, err := endpoints.New([]endpoints.Endpoint{
		{WidgetID: "widget-1", OriginURL: trustedOrigin},
	}, log)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	bus, err := events.New(config.DefaultBusConfig(), log)
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	source := &mockSource{}
	broker, err := New(config.DefaultBridgeConfig(), registry, bus, source, log)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}

	return broker, source, bus
}

// newEnvelope builds an inbound message the way the transport delivers it
func newEnvelope(origin, widgetID, action string, sink types.ReplySink) *types.Envelope {
	return &types.Envelope{
		ID:     types.GenerateID(),
		Origin: origin,
		Data: &types.MessageData{
			WidgetID: widgetID,
			WidgetData: map[string]interface{}{
				"action": action,
			},
		},
		Sink: sink,
	}
}

// waitFor polls a condition until it holds or the deadline passes
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// TestNewBroker tests creating a broker
func TestNewBroker(t *testing.T) {
	broker, _, _ := setupTestBroker(t)

	if broker == nil {
		t.Fatal("Expected non-nil broker")
	}
	if broker.ListenCount() != 0 {
		t.Errorf("Expected listen count 0, got %d", broker.ListenCount())
	}
}

// TestNewBrokerValidation tests constructor argument validation
func TestNewBrokerValidation(t *testing.T) {
	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	registry, err := endpoints.New(nil, log)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	bus, err := events.New(config.DefaultBusConfig(), log)
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}
	defer bus.Close()

	source := &mockSource{}
	cfg := config.DefaultBridgeConfig()

	if _, err := New(cfg, nil, bus, source, log); err == nil {
		t.Error("Expected error for nil registry")
	}
	if _, err := New(cfg, registry, nil, source, log); err == nil {
		t.Error("Expected error for nil bus")
	}
	if _, err := New(cfg, registry, bus, nil, log); err == nil {
		t.Error("Expected error for nil source")
	}
}

// TestStartStopListening tests the reference counted listener lifecycle
func TestStartStopListening(t *testing.T) {
	broker, source, _ := setupTestBroker(t)

	for i := 0; i < 3; i++ {
		if err := broker.StartListening(); err != nil {
			t.Fatalf("StartListening %d failed: %v", i, err)
		}
	}

	subs, unsubs := source.counts()
	if subs != 1 {
		t.Errorf("Expected exactly 1 subscribe call, got %d", subs)
	}
	if broker.ListenCount() != 3 {
		t.Errorf("Expected listen count 3, got %d", broker.ListenCount())
	}

	for i := 0; i < 3; i++ {
		if err := broker.StopListening(); err != nil {
			t.Fatalf("StopListening %d failed: %v", i, err)
		}
	}

	subs, unsubs = source.counts()
	if subs != 1 {
		t.Errorf("Expected exactly 1 subscribe call after stop, got %d", subs)
	}
	if unsubs != 1 {
		t.Errorf("Expected exactly 1 unsubscribe call, got %d", unsubs)
	}
	if broker.ListenCount() != 0 {
		t.Errorf("Expected listen count 0, got %d", broker.ListenCount())
	}
}

// TestStopListeningWithoutStart tests that a mismatched stop does not panic
// and leaves the broker usable
func TestStopListeningWithoutStart(t *testing.T) {
	broker, source, _ := setupTestBroker(t)

	if err := broker.StopListening(); err != nil {
		t.Fatalf("Expected nil error from mismatched stop, got %v", err)
	}
	if broker.ListenCount() != 0 {
		t.Errorf("Expected listen count clamped to 0, got %d", broker.ListenCount())
	}

	_, unsubs := source.counts()
	if unsubs != 0 {
		t.Errorf("Expected no unsubscribe calls, got %d", unsubs)
	}

	// A later start still attaches normally
	if err := broker.StartListening(); err != nil {
		t.Fatalf("StartListening after mismatched stop failed: %v", err)
	}
	subs, _ := source.counts()
	if subs != 1 {
		t.Errorf("Expected 1 subscribe call, got %d", subs)
	}
}

// TestStartListeningSubscribeFailure tests rollback when the source rejects
// the subscription
func TestStartListeningSubscribeFailure(t *testing.T) {
	broker, source, _ := setupTestBroker(t)
	source.subscribeErr = errors.New("source unavailable")

	if err := broker.StartListening(); err == nil {
		t.Fatal("Expected error when subscribe fails")
	}
	if broker.ListenCount() != 0 {
		t.Errorf("Expected listen count rolled back to 0, got %d", broker.ListenCount())
	}
}

// TestContentLoadedDispatch tests that a content_loaded message from an
// unrecognized origin publishes a widget event and answers with success
func TestContentLoadedDispatch(t *testing.T) {
	broker, _, bus := setupTestBroker(t)
	ctx := context.Background()

	recorder := &eventRecorder{}
	eventType := types.EventTypeWidgetContentLoaded
	if _, err := bus.Subscribe(ctx, types.EventFilter{Type: &eventType}, recorder); err != nil {
		t.Fatalf("Failed to subscribe recorder: %v", err)
	}

	sink := &recordingSink{}
	env := newEnvelope("https://unknown.example.com", "widget-42", types.ActionContentLoaded, sink)

	broker.OnMessage(ctx, env)

	if sink.count() != 1 {
		t.Fatalf("Expected 1 response, got %d", sink.count())
	}
	resp, ok := sink.last().Response.(types.SuccessResponse)
	if !ok {
		t.Fatalf("Expected SuccessResponse, got %T", sink.last().Response)
	}
	if !resp.Success {
		t.Error("Expected success response")
	}
	if sink.last().WidgetID != "widget-42" {
		t.Errorf("Expected response to carry widget ID, got %q", sink.last().WidgetID)
	}

	waitFor(t, func() bool { return recorder.count() == 1 }, "Expected widget event on the bus")

	event := recorder.first()
	if event.Type != types.EventTypeWidgetContentLoaded {
		t.Errorf("Expected event type %s, got %s", types.EventTypeWidgetContentLoaded, event.Type)
	}
	if event.Data["action"] != types.EventActionContentLoaded {
		t.Errorf("Expected event action %q, got %v", types.EventActionContentLoaded, event.Data["action"])
	}
	if event.WidgetID() != "widget-42" {
		t.Errorf("Expected event widget ID widget-42, got %q", event.WidgetID())
	}

	stats := broker.Stats()
	if stats.Dispatched != 1 || stats.ResponsesSent != 1 || stats.EventsPublished != 1 {
		t.Errorf("Unexpected stats: %s", stats)
	}
}

// TestTrustedOriginDiscarded tests that messages from registered origins are
// dropped without a response
func TestTrustedOriginDiscarded(t *testing.T) {
	broker, _, _ := setupTestBroker(t)

	sink := &recordingSink{}
	env := newEnvelope(trustedOrigin, "widget-1", types.ActionContentLoaded, sink)

	broker.OnMessage(context.Background(), env)

	if sink.count() != 0 {
		t.Errorf("Expected no response for trusted origin, got %d", sink.count())
	}

	stats := broker.Stats()
	if stats.Discarded != 1 {
		t.Errorf("Expected 1 discarded, got %d", stats.Discarded)
	}
	if stats.Dispatched != 0 {
		t.Errorf("Expected 0 dispatched, got %d", stats.Dispatched)
	}
}

// TestMalformedMessagesDiscarded tests the silent discard conditions
func TestMalformedMessagesDiscarded(t *testing.T) {
	broker, _, _ := setupTestBroker(t)
	ctx := context.Background()
	sink := &recordingSink{}

	cases := []struct {
		name string
		env  *types.Envelope
	}{
		{
			name: "empty origin",
			env:  newEnvelope("", "widget-1", types.ActionContentLoaded, sink),
		},
		{
			name: "nil data",
			env:  &types.Envelope{Origin: "https://unknown.example.com", Sink: sink},
		},
		{
			name: "nil widget data",
			env: &types.Envelope{
				Origin: "https://unknown.example.com",
				Data:   &types.MessageData{WidgetID: "widget-1"},
				Sink:   sink,
			},
		},
		{
			name: "empty widget ID",
			env:  newEnvelope("https://unknown.example.com", "", types.ActionContentLoaded, sink),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			before := broker.Stats().Discarded
			broker.OnMessage(ctx, tc.env)
			if broker.Stats().Discarded != before+1 {
				t.Error("Expected message to be discarded")
			}
		})
	}

	if sink.count() != 0 {
		t.Errorf("Expected no responses, got %d", sink.count())
	}
}

// TestUnhandledActionResponse tests that an unrecognized action answers with
// the unhandled error and publishes nothing
func TestUnhandledActionResponse(t *testing.T) {
	broker, _, bus := setupTestBroker(t)
	ctx := context.Background()

	recorder := &eventRecorder{}
	if _, err := bus.Subscribe(ctx, types.EventFilter{}, recorder); err != nil {
		t.Fatalf("Failed to subscribe recorder: %v", err)
	}

	sink := &recordingSink{}
	env := newEnvelope("https://unknown.example.com", "widget-7", "mystery_action", sink)

	broker.OnMessage(ctx, env)

	if sink.count() != 1 {
		t.Fatalf("Expected 1 response, got %d", sink.count())
	}
	resp, ok := sink.last().Response.(types.ErrorResponse)
	if !ok {
		t.Fatalf("Expected ErrorResponse, got %T", sink.last().Response)
	}
	if resp.Error.Message != types.UnhandledMessage {
		t.Errorf("Expected message %q, got %q", types.UnhandledMessage, resp.Error.Message)
	}
	if resp.Error.Err != "" {
		t.Errorf("Expected no attached error, got %q", resp.Error.Err)
	}

	// Give the async path a moment to prove nothing was published
	time.Sleep(50 * time.Millisecond)
	if recorder.count() != 0 {
		t.Errorf("Expected no events for unhandled action, got %d", recorder.count())
	}

	stats := broker.Stats()
	if stats.Unhandled != 1 {
		t.Errorf("Expected 1 unhandled, got %d", stats.Unhandled)
	}
}

// TestOriginFallback tests that the nested original event's origin is used
// when the outer one is absent
func TestOriginFallback(t *testing.T) {
	broker, _, _ := setupTestBroker(t)

	sink := &recordingSink{}
	env := &types.Envelope{
		Data: &types.MessageData{
			WidgetID: "widget-9",
			WidgetData: map[string]interface{}{
				"action": types.ActionContentLoaded,
			},
		},
		Original: &types.Envelope{Origin: "https://nested.example.com"},
		Sink:     sink,
	}

	broker.OnMessage(context.Background(), env)

	if sink.count() != 1 {
		t.Fatalf("Expected dispatch via nested origin, got %d responses", sink.count())
	}
}

// TestResponseIsDeepCopy tests that the response payload does not alias the
// inbound message data
func TestResponseIsDeepCopy(t *testing.T) {
	broker, _, _ := setupTestBroker(t)

	sink := &recordingSink{}
	env := newEnvelope("https://unknown.example.com", "widget-3", types.ActionContentLoaded, sink)

	broker.OnMessage(context.Background(), env)

	if sink.count() != 1 {
		t.Fatalf("Expected 1 response, got %d", sink.count())
	}

	got := sink.last()
	if got == env.Data {
		t.Fatal("Expected response data to be a copy, not the original")
	}

	// Mutating the original must not leak into the recorded response
	env.Data.WidgetData["action"] = "mutated"
	if got.WidgetData["action"] != types.ActionContentLoaded {
		t.Error("Expected response widget data to be independently owned")
	}
	if env.Data.Response != nil {
		t.Error("Expected original message data to stay untouched")
	}
}

// TestResponseFailureCounted tests that sink failures are recorded
func TestResponseFailureCounted(t *testing.T) {
	broker, _, _ := setupTestBroker(t)

	sink := &recordingSink{err: errors.New("write failed")}
	env := newEnvelope("https://unknown.example.com", "widget-5", types.ActionContentLoaded, sink)

	broker.OnMessage(context.Background(), env)

	stats := broker.Stats()
	if stats.ResponseFailures != 1 {
		t.Errorf("Expected 1 response failure, got %d", stats.ResponseFailures)
	}
	if stats.ResponsesSent != 0 {
		t.Errorf("Expected 0 responses sent, got %d", stats.ResponsesSent)
	}
}

// TestMissingSinkCounted tests that an envelope without a reply sink is
// handled without panicking
func TestMissingSinkCounted(t *testing.T) {
	broker, _, _ := setupTestBroker(t)

	env := newEnvelope("https://unknown.example.com", "widget-6", types.ActionContentLoaded, nil)

	broker.OnMessage(context.Background(), env)

	stats := broker.Stats()
	if stats.ResponseFailures != 1 {
		t.Errorf("Expected 1 response failure for missing sink, got %d", stats.ResponseFailures)
	}
}
