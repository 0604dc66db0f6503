package domain

// Observation field names as used in rule definitions and JSON payloads.
const (
	FieldTemperature         = "temperature"
	FieldHumidity            = "humidity"
	FieldRainfallMM          = "rainfall_mm"
	FieldRainProbability     = "rain_probability"
	FieldWindSpeed           = "wind_speed"
	FieldConsecutiveRainDays = "consecutive_rain_days"
)

// Observation is a weather snapshot for one coordinate at one point in time.
type Observation struct {
	Temperature         float64 `json:"temperature"`
	Humidity            float64 `json:"humidity"`
	RainfallMM          float64 `json:"rainfall_mm"`
	RainProbability     float64 `json:"rain_probability"`
	WindSpeed           float64 `json:"wind_speed"`
	ConsecutiveRainDays int     `json:"consecutive_rain_days"`
}

// Value returns the numeric value of a named field. Unknown names report
// ok=false and a zero value.
func (o Observation) Value(field string) (v float64, ok bool) {
	switch field {
	case FieldTemperature:
		return o.Temperature, true
	case FieldHumidity:
		return o.Humidity, true
	case FieldRainfallMM:
		return o.RainfallMM, true
	case FieldRainProbability:
		return o.RainProbability, true
	case FieldWindSpeed:
		return o.WindSpeed, true
	case FieldConsecutiveRainDays:
		return float64(o.ConsecutiveRainDays), true
	default:
		return 0, false
	}
}
