package domain

import (
	"math"
	"strconv"
	"strings"
)

// DefaultBucketResolution is the grid size, in degrees, of a location bucket.
const DefaultBucketResolution = 0.1

// Bucket rounds a coordinate to the grid and returns its index key, e.g.
// "37.40,-122.10". A non-positive resolution falls back to the default.
func Bucket(lat, lon, resolution float64) string {
	if resolution <= 0 {
		resolution = DefaultBucketResolution
	}
	decimals := bucketDecimals(resolution)
	return roundTo(lat, resolution, decimals) + "," + roundTo(lon, resolution, decimals)
}

// NormalizeCrop returns the index key for a crop identifier.
func NormalizeCrop(crop string) string {
	return strings.ToLower(strings.TrimSpace(crop))
}

func roundTo(v, resolution float64, decimals int) string {
	r := math.Round(v/resolution) * resolution
	if r == 0 {
		r = 0 // fold -0 so "-0.00" never appears as a distinct key
	}
	return strconv.FormatFloat(r, 'f', decimals, 64)
}

func bucketDecimals(resolution float64) int {
	d := int(math.Ceil(-math.Log10(resolution)))
	if d < 2 {
		return 2
	}
	return d
}
