// README: WebSocket handlers streaming trip and offer events to clients.
package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"hail/internal/eventbus"
	"hail/internal/types"
)

type WSHandler struct {
	bus      *eventbus.Bus
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(bus *eventbus.Bus, log *slog.Logger) *WSHandler {
	return &WSHandler{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// TripEvents streams every event published on one trip's topic. Used by the
// passenger who owns the trip and by the bound driver.
func (h *WSHandler) TripEvents(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing trip id")
		return
	}
	sub := h.bus.Subscribe(eventbus.TripTopic(types.ID(id)))
	h.serve(c, sub)
}

// Offers streams dispatch offers near the driver's position. lat, lng, and
// radius_m query parameters bound the stream.
func (h *WSHandler) Offers(c *gin.Context) {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(c, http.StatusBadRequest, "missing lat/lng")
		return
	}
	radius := 3000.0
	if v := c.Query("radius_m"); v != "" {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil || r <= 0 {
			writeError(c, http.StatusBadRequest, "invalid radius_m")
			return
		}
		radius = r
	}
	sub := h.bus.SubscribeOffers(types.Point{Lat: lat, Lng: lng}, radius)
	h.serve(c, sub)
}

func (h *WSHandler) serve(c *gin.Context, sub *eventbus.Subscription) {
	defer h.bus.Unsubscribe(sub)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Drain the read side so we notice the peer going away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
