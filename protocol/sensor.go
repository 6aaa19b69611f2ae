package protocol

import (
	"math"
	"strconv"
	"strings"
)

// SensorReading is a parsed DHT line. Nil fields were missing or not numeric.
type SensorReading struct {
	TemperatureC *float64 `json:"temperature_c,omitempty"`
	HumidityPct  *float64 `json:"humidity_pct,omitempty"`
	OK           bool     `json:"ok"`
}

// ParseSensor parses "DHT:T=26.3,H=48.0" and the legacy
// "DHT:temp=26.3,hum=48.0,ok=1". A reading with ok=0 keeps OK false.
func ParseSensor(line string) (SensorReading, bool) {
	body, found := strings.CutPrefix(strings.TrimSpace(line), "DHT:")
	if !found {
		return SensorReading{}, false
	}

	r := SensorReading{OK: true}
	for _, field := range strings.Split(body, ",") {
		key, raw, found := strings.Cut(strings.TrimSpace(field), "=")
		if !found {
			continue
		}
		raw = strings.TrimSpace(raw)
		switch strings.ToLower(key) {
		case "t", "temp":
			r.TemperatureC = parseFloat(raw)
		case "h", "hum":
			r.HumidityPct = parseFloat(raw)
		case "ok":
			r.OK = raw == "1"
		}
	}
	if r.TemperatureC == nil && r.HumidityPct == nil {
		r.OK = false
	}
	return r, true
}

// SensorLine renders the current reading format
func SensorLine(tempC, humidity float64) string {
	return "DHT:T=" + strconv.FormatFloat(tempC, 'f', 1, 64) + ",H=" + strconv.FormatFloat(humidity, 'f', 1, 64)
}

func parseFloat(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
