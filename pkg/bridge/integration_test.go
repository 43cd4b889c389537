package bridge

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/embra/widgetbridge/internal/config"
	"github.com/embra/widgetbridge/internal/logger"
	"github.com/embra/widgetbridge/pkg/endpoints"
	"github.com/embra/widgetbridge/pkg/events"
	"github.com/embra/widgetbridge/pkg/transport"
	"github.com/embra/widgetbridge/pkg/types"
)

// startBridge wires registry, bus, transport, and broker together the way
// the root command does and returns the listen address
func startBridge(t *testing.T, trusted []endpoints.Endpoint) (string, *events.Bus) {
	t.Helper()

	log, err := logger.NewDefault()
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	registry, err := endpoints.New(trusted, log)
	if err != nil {
		t.Fatalf("Failed to create registry: %v", err)
	}

	bus, err := events.New(config.DefaultBusConfig(), log)
	if err != nil {
		t.Fatalf("Failed to create bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	server, err := transport.NewServer(config.ServerConfig{
		Host:         "127.0.0.1",
		Port:         0,
		WriteTimeout: time.Second,
	}, bus, log)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	broker, err := New(config.DefaultBridgeConfig(), registry, bus, server, log)
	if err != nil {
		t.Fatalf("Failed to create broker: %v", err)
	}

	if err := broker.StartListening(); err != nil {
		t.Fatalf("Failed to start listening: %v", err)
	}
	if err := server.Listen(context.Background()); err != nil {
		t.Fatalf("Failed to listen: %v", err)
	}
	t.Cleanup(func() {
		_ = broker.StopListening()
		_ = server.Close()
	})

	return server.Addr(), bus
}

// TestEndToEndContentLoaded drives a content_loaded message through a live
// websocket and verifies the response and the published event
func TestEndToEndContentLoaded(t *testing.T) {
	addr, bus := startBridge(t, []endpoints.Endpoint{
		{WidgetID: "widget-1", OriginURL: "https://trusted.example.com"},
	})

	recorder := &eventRecorder{}
	eventType := types.EventTypeWidgetContentLoaded
	if _, err := bus.Subscribe(context.Background(), types.EventFilter{Type: &eventType}, recorder); err != nil {
		t.Fatalf("Failed to subscribe recorder: %v", err)
	}

	header := http.Header{}
	header.Set("Origin", "https://widget.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/widgets", header)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]interface{}{
		"data": map[string]interface{}{
			"widgetId":   "widget-1",
			"widgetData": map[string]interface{}{"action": types.ActionContentLoaded},
		},
	}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var reply types.MessageData
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}

	respMap, ok := reply.Response.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected response object, got %T", reply.Response)
	}
	if respMap["success"] != true {
		t.Errorf("Expected success response, got %v", respMap)
	}
	if reply.WidgetID != "widget-1" {
		t.Errorf("Expected widget ID echoed back, got %q", reply.WidgetID)
	}

	waitFor(t, func() bool { return recorder.count() == 1 }, "Expected widget event on the bus")
	event := recorder.first()
	if event.WidgetID() != "widget-1" {
		t.Errorf("Expected event for widget-1, got %q", event.WidgetID())
	}
}

// TestEndToEndTrustedOriginSilent verifies that a message arriving from a
// registered origin gets no response at all
func TestEndToEndTrustedOriginSilent(t *testing.T) {
	addr, _ := startBridge(t, []endpoints.Endpoint{
		{WidgetID: "widget-1", OriginURL: "https://trusted.example.com"},
	})

	header := http.Header{}
	header.Set("Origin", "https://trusted.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/widgets", header)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]interface{}{
		"data": map[string]interface{}{
			"widgetId":   "widget-1",
			"widgetData": map[string]interface{}{"action": types.ActionContentLoaded},
		},
	}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(300 * time.Millisecond)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var reply types.MessageData
	if err := ws.ReadJSON(&reply); err == nil {
		t.Fatalf("Expected no response for trusted origin, got %+v", reply)
	}
}

// TestEndToEndUnhandledAction verifies the unhandled error response over the
// wire
func TestEndToEndUnhandledAction(t *testing.T) {
	addr, _ := startBridge(t, []endpoints.Endpoint{
		{WidgetID: "widget-1", OriginURL: "https://trusted.example.com"},
	})

	header := http.Header{}
	header.Set("Origin", "https://widget.example.com")
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+addr+"/widgets", header)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]interface{}{
		"data": map[string]interface{}{
			"widgetId":   "widget-1",
			"widgetData": map[string]interface{}{"action": "resize"},
		},
	}); err != nil {
		t.Fatalf("Failed to write frame: %v", err)
	}

	if err := ws.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	var reply types.MessageData
	if err := ws.ReadJSON(&reply); err != nil {
		t.Fatalf("Failed to read reply: %v", err)
	}

	respMap, ok := reply.Response.(map[string]interface{})
	if !ok {
		t.Fatalf("Expected response object, got %T", reply.Response)
	}
	errObj, ok := respMap["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("Expected error object, got %v", respMap)
	}
	if errObj["message"] != types.UnhandledMessage {
		t.Errorf("Expected %q, got %v", types.UnhandledMessage, errObj["message"])
	}
}
