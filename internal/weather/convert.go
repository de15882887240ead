package weather

import "math"

const (
	// stationElevationM stands in for the station elevation in the sea-level
	// correction. Stations far above sea level get an underestimated baromin.
	stationElevationM = 1.3
	hPaToInHg         = 0.02953
)

// CelsiusToFahrenheit converts c to °F rounded to one decimal.
func CelsiusToFahrenheit(c float64) float64 {
	return roundTo(c*9/5+32, 1)
}

// StationPressureToSeaLevelInHg reduces station pressure (hPa) to sea level
// using the barometric formula and converts the result to inches of mercury,
// rounded to two decimals.
func StationPressureToSeaLevelInHg(pressureHPa, temperatureC float64) float64 {
	msl := pressureHPa / math.Pow(1-stationElevationM/(temperatureC+273.15), 5.255)
	return roundTo(msl*hPaToInHg, 2)
}

// EstimateDewpointC is the coarse t - (100-rh)/5 approximation in °C.
func EstimateDewpointC(temperatureC, humidityPct float64) float64 {
	return temperatureC - (100-humidityPct)/5
}

// EstimateDewpointF is the °F counterpart used for pre-converted readings.
func EstimateDewpointF(temperatureF, humidityPct float64) float64 {
	return temperatureF - (100-humidityPct)/2.788
}

func roundTo(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
