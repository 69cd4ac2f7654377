// README: Trip handlers for request/status/advance/cancel.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"hail/internal/dispatch"
	"hail/internal/trip"
	"hail/internal/types"
)

type TripHandler struct {
	coord *dispatch.Coordinator
}

func NewTripHandler(coord *dispatch.Coordinator) *TripHandler {
	return &TripHandler{coord: coord}
}

type requestTripReq struct {
	PassengerID    string  `json:"passenger_id"`
	PickupLat      float64 `json:"pickup_lat"`
	PickupLng      float64 `json:"pickup_lng"`
	DestinationLat float64 `json:"destination_lat"`
	DestinationLng float64 `json:"destination_lng"`
}

func (h *TripHandler) Request(c *gin.Context) {
	var req requestTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidID(req.PassengerID) {
		writeError(c, http.StatusBadRequest, "missing passenger_id")
		return
	}
	t, err := h.coord.RequestTrip(c.Request.Context(), types.ID(req.PassengerID),
		types.Point{Lat: req.PickupLat, Lng: req.PickupLng},
		types.Point{Lat: req.DestinationLat, Lng: req.DestinationLng})
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, tripResponse(t))
}

func (h *TripHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing trip id")
		return
	}
	t, err := h.coord.GetTrip(c.Request.Context(), types.ID(id))
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tripResponse(t))
}

// Candidates lists dispatchable drivers near the trip's pickup point, closest
// first. Radius defaults to the coordinator's configured one.
func (h *TripHandler) Candidates(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing trip id")
		return
	}
	t, err := h.coord.GetTrip(c.Request.Context(), types.ID(id))
	if err != nil {
		writeTripError(c, err)
		return
	}
	radius := 0.0
	if v := c.Query("radius_m"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || radius <= 0 {
			writeError(c, http.StatusBadRequest, "invalid radius_m")
			return
		}
	}
	candidates := h.coord.FindCandidates(c.Request.Context(), t.Pickup, radius)
	out := make([]map[string]any, 0, len(candidates))
	for _, cand := range candidates {
		out = append(out, map[string]any{
			"driver_id":       cand.ID,
			"position":        cand.Position,
			"distance_meters": cand.DistanceMeters,
		})
	}
	writeJSON(c, http.StatusOK, map[string]any{"trip_id": t.ID, "candidates": out})
}

type actorReq struct {
	ActorID   string `json:"actor_id"`
	ActorType string `json:"actor_type"`
}

func (r actorReq) actor() (dispatch.Actor, bool) {
	if !isValidID(r.ActorID) {
		return dispatch.Actor{}, false
	}
	switch dispatch.ActorType(r.ActorType) {
	case dispatch.ActorPassenger, dispatch.ActorDriver:
		return dispatch.Actor{ID: types.ID(r.ActorID), Type: dispatch.ActorType(r.ActorType)}, true
	}
	return dispatch.Actor{}, false
}

type advanceTripReq struct {
	actorReq
	To string `json:"to"`
}

func (h *TripHandler) Advance(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing trip id")
		return
	}
	var req advanceTripReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	actor, ok := req.actor()
	if !ok {
		writeError(c, http.StatusBadRequest, "missing or invalid actor")
		return
	}
	target := trip.State(req.To)
	known := false
	for _, s := range trip.States() {
		if s == target {
			known = true
			break
		}
	}
	if !known {
		writeError(c, http.StatusBadRequest, "unknown target state")
		return
	}
	t, err := h.coord.AdvanceState(c.Request.Context(), types.ID(id), target, actor)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tripResponse(t))
}

func (h *TripHandler) Cancel(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "missing trip id")
		return
	}
	var req actorReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	actor, ok := req.actor()
	if !ok {
		writeError(c, http.StatusBadRequest, "missing or invalid actor")
		return
	}
	t, err := h.coord.CancelTrip(c.Request.Context(), types.ID(id), actor)
	if err != nil {
		writeTripError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tripResponse(t))
}
