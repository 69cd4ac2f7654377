// README: Common identifier and coordinate types used across modules.
package types

// ID identifies a passenger, driver, or trip.
type ID string

// Point is a WGS84 coordinate.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}
