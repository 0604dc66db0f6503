// Package domain models crop weather-risk alerts and the ports the rest of the
// service is built around.
//
// # Observations
//
// An [Observation] is a snapshot of weather fields for one coordinate, fetched
// fresh per evaluation and never persisted:
//
//	temperature            °C
//	humidity               relative humidity, percent
//	rainfall_mm            current rain, millimetres
//	rain_probability       next-hour precipitation probability, percent
//	wind_speed             km/h at 10 m
//	consecutive_rain_days  forecast days with rain, counted from today until the first dry day
//
// Rule definitions refer to these fields by their JSON names; see
// [Observation.Value].
//
// # Severity
//
// Four tiers, ordered low < medium < high < critical. Only high and critical
// verdicts leave the monitor as alerts; low and medium weather notifications are
// eligible for batching.
//
// # Location buckets
//
// Coordinates are grouped into coarse buckets by rounding latitude and longitude
// to a grid resolution (0.1 degree by default, roughly 11 km of latitude). The
// same [Bucket] function is used when a client subscribes, when an alert is
// published on the fabric, and when an instance matches an incoming alert, so
// lookups are symmetric across processes:
//
//	37.42, -122.08   →  "37.40,-122.10"
//	37.421, -122.079 →  "37.40,-122.10"
//
// # Envelopes
//
// Alerts cross process boundaries as an [Envelope]: routing metadata (lat, lon,
// crop) plus the client-facing [AlertPayload] as raw JSON, so a receiving
// instance forwards the payload bytes unchanged.
package domain
