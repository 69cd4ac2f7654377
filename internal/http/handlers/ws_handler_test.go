// README: WebSocket streaming tests.
package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hail/internal/eventbus"
	"hail/internal/http/handlers"
	"hail/internal/types"
)

func wsTestServer(t *testing.T, bus *eventbus.Bus) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := handlers.NewWSHandler(bus, discardLogger())
	r.GET("/ws/trips/:id", h.TripEvents)
	r.GET("/ws/offers", h.Offers)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestTripEvents_DeliversPublishedEvent(t *testing.T) {
	bus := eventbus.New(nil, discardLogger())
	srv := wsTestServer(t, bus)
	conn := dial(t, srv, "/ws/trips/t1")

	// Give the server goroutine a moment to register the subscription.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(context.Background(), eventbus.TripTopic(types.ID("t1")), eventbus.Event{
		Type:   eventbus.TypeTripStateChanged,
		TripID: "t1",
		State:  "accepted",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.TripID != "t1" || ev.State != "accepted" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestOffers_FiltersByRadius(t *testing.T) {
	bus := eventbus.New(nil, discardLogger())
	srv := wsTestServer(t, bus)
	conn := dial(t, srv, "/ws/offers?lat=1.0&lng=1.0&radius_m=2000")

	time.Sleep(50 * time.Millisecond)
	far := types.Point{Lat: 5, Lng: 5}
	near := types.Point{Lat: 1.0001, Lng: 1.0001}
	bus.Publish(context.Background(), eventbus.OffersTopic, eventbus.Event{
		Type: eventbus.TypeTripCreated, TripID: "far", Pickup: &far,
	})
	bus.Publish(context.Background(), eventbus.OffersTopic, eventbus.Event{
		Type: eventbus.TypeTripCreated, TripID: "near", Pickup: &near,
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev eventbus.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.TripID != "near" {
		t.Errorf("expected the near offer first, got %+v", ev)
	}
}

func TestOffers_MissingCoordinatesRejected(t *testing.T) {
	bus := eventbus.New(nil, discardLogger())
	srv := wsTestServer(t, bus)
	resp, err := http.Get(srv.URL + "/ws/offers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}
