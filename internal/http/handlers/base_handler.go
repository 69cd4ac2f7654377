// README: Base handler utilities (JSON helpers, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"hail/internal/driver"
	"hail/internal/trip"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID ensures IDs are URL-safe identifiers (UUIDs or similar).
func isValidID(v string) bool {
	if len(v) == 0 || len(v) > 64 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeTripError maps the coordination error taxonomy onto HTTP statuses.
// Conflicts (lost races, double bindings) are 409 so clients know the trip
// moved on; invalid transitions are 422 since the request itself was
// well-formed but not applicable to the current state.
func writeTripError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, trip.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, trip.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, trip.ErrUnauthorized):
		writeError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, trip.ErrTripMatched),
		errors.Is(err, trip.ErrTripClosed),
		errors.Is(err, trip.ErrActiveTrip),
		errors.Is(err, trip.ErrDriverBusy),
		errors.Is(err, driver.ErrNotOnline):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, trip.ErrInvalidTransition):
		writeError(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, trip.ErrUnavailable):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func tripResponse(t *trip.Trip) map[string]any {
	resp := map[string]any{
		"trip_id":      t.ID,
		"passenger_id": t.PassengerID,
		"state":        t.State,
		"version":      t.Version,
		"pickup":       t.Pickup,
		"destination":  t.Destination,
		"created_at":   t.CreatedAt,
		"updated_at":   t.UpdatedAt,
	}
	if t.DriverID != nil {
		resp["driver_id"] = *t.DriverID
	}
	return resp
}
