package geo

import (
	"math"
	"time"
)

const earthRadius = 6371000.0

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := toRadians(a.Lat)
	lat2 := toRadians(b.Lat)
	dlat := toRadians(b.Lat - a.Lat)
	dlon := toRadians(b.Lng - a.Lng)

	sinDlat := math.Sin(dlat / 2)
	sinDlon := math.Sin(dlon / 2)
	aa := sinDlat*sinDlat + math.Cos(lat1)*math.Cos(lat2)*sinDlon*sinDlon
	c := 2 * math.Atan2(math.Sqrt(aa), math.Sqrt(1-aa))
	return earthRadius * c
}

// EstimateETA approximates travel time over a distance at an average urban speed.
func EstimateETA(meters float64) time.Duration {
	const avgSpeed = 30.0 // km/h
	const meterPerSecond = avgSpeed * 1000.0 / 3600.0
	return time.Duration(meters/meterPerSecond) * time.Second
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
