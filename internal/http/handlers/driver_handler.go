// README: Driver handlers for presence, location, and trip acceptance.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hail/internal/dispatch"
	"hail/internal/driver"
	"hail/internal/types"
)

type DriverHandler struct {
	coord    *dispatch.Coordinator
	registry *driver.Registry
}

func NewDriverHandler(coord *dispatch.Coordinator, registry *driver.Registry) *DriverHandler {
	return &DriverHandler{coord: coord, registry: registry}
}

type positionReq struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func (h *DriverHandler) GoOnline(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.registry.GoOnline(c.Request.Context(), types.ID(id), types.Point{Lat: req.Lat, Lng: req.Lng}); err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": id, "online": true})
}

func (h *DriverHandler) GoOffline(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	if err := h.registry.GoOffline(c.Request.Context(), types.ID(id)); err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": id, "online": false})
}

func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing driver id")
		return
	}
	var req positionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.registry.UpdateLocation(c.Request.Context(), types.ID(id), types.Point{Lat: req.Lat, Lng: req.Lng}); err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": id, "updated": true})
}

type acceptTripReq struct {
	DriverID string `json:"driver_id"`
}

// Accept binds the calling driver to the trip. First accept wins; later
// accepts surface as 409 conflicts.
func (h *DriverHandler) Accept(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing trip id")
		return
	}
	var req acceptTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "missing driver_id")
		return
	}
	t, err := h.coord.AcceptTrip(c.Request.Context(), types.ID(id), types.ID(req.DriverID))
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tripResponse(t))
}
