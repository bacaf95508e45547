// Package cost implements the economic-cost function for a resolved
// delay (§6.4). The per-hour PLN constants are configuration, not
// computed — only the shape of the function is specified.
package cost

// Constants holds the configurable PLN/hour figures from §6.4.
type Constants struct {
	VOTPlnPerHour        float64
	DriverWagePlnPerHour float64
	EnergyPlnPerHour     float64
}

// DefaultConstants are the spec's defaults: vot=22, driver_wage=80, energy=5.
var DefaultConstants = Constants{
	VOTPlnPerHour:        22,
	DriverWagePlnPerHour: 80,
	EnergyPlnPerHour:     5,
}

// passengers returns the assumed passenger load for the given hour of
// day (§6.4).
func passengers(hour int) float64 {
	switch {
	case hour == 7 || hour == 8 || hour == 15 || hour == 16 || hour == 17:
		return 150 // peak
	case hour >= 9 && hour <= 14, hour >= 18 && hour <= 21:
		return 50 // off-peak
	default:
		return 10 // night
	}
}

// Compute returns the PLN cost of a delay of durationSeconds that
// occurred during hourOfDay (0-23), per the closed-form function in
// §6.4:
//
//	cost = (duration_seconds / 3600) * (passengers(h)*vot + driver_wage + energy)
func Compute(c Constants, durationSeconds int, hourOfDay int) float64 {
	hours := float64(durationSeconds) / 3600.0
	perHour := passengers(hourOfDay)*c.VOTPlnPerHour + c.DriverWagePlnPerHour + c.EnergyPlnPerHour
	return hours * perHour
}
