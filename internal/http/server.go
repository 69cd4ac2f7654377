// README: API gateway; registers HTTP routes and delegates to the coordinator.
package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"hail/internal/dispatch"
	"hail/internal/driver"
	"hail/internal/eventbus"
	"hail/internal/http/handlers"
	"hail/internal/http/middleware"
)

type ServerDeps struct {
	Coordinator *dispatch.Coordinator
	Registry    *driver.Registry
	Bus         *eventbus.Bus
	Log         *slog.Logger
}

type Server struct {
	coord    *dispatch.Coordinator
	registry *driver.Registry
	bus      *eventbus.Bus
	log      *slog.Logger
}

func NewServer(deps ServerDeps) *Server {
	return &Server{
		coord:    deps.Coordinator,
		registry: deps.Registry,
		bus:      deps.Bus,
		log:      deps.Log,
	}
}

func (s *Server) Routes() http.Handler {
	r := gin.New()
	r.Use(middleware.Recovery(s.log), middleware.Logging(s.log))

	tripHandler := handlers.NewTripHandler(s.coord)
	r.POST("/api/trips", tripHandler.Request)
	r.GET("/api/trips/:id", tripHandler.Get)
	r.GET("/api/trips/:id/candidates", tripHandler.Candidates)
	r.POST("/api/trips/:id/advance", tripHandler.Advance)
	r.POST("/api/trips/:id/cancel", tripHandler.Cancel)

	driverHandler := handlers.NewDriverHandler(s.coord, s.registry)
	r.POST("/api/drivers/:id/online", driverHandler.GoOnline)
	r.POST("/api/drivers/:id/offline", driverHandler.GoOffline)
	r.PUT("/api/drivers/:id/location", driverHandler.UpdateLocation)
	r.POST("/api/trips/:id/accept", driverHandler.Accept)

	wsHandler := handlers.NewWSHandler(s.bus, s.log)
	r.GET("/ws/trips/:id", wsHandler.TripEvents)
	r.GET("/ws/offers", wsHandler.Offers)

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	return r
}
