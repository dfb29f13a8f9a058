package features

import (
	"math"
	"time"
)

// solarPosition returns the sun's elevation and azimuth in degrees for a
// moment and location, using the NOAA general solar position equations.
// Accuracy is a fraction of a degree, plenty for feature engineering.
// Longitude is east-positive, azimuth is clockwise from north.
func solarPosition(t time.Time, latitude, longitude float64) (elevation, azimuth float64) {
	u := t.UTC()
	doy := float64(u.YearDay())
	hour := float64(u.Hour()) + float64(u.Minute())/60 + float64(u.Second())/3600

	// Fractional year in radians.
	gamma := 2 * math.Pi / 365 * (doy - 1 + (hour-12)/24)

	eqTime := 229.18 * (0.000075 +
		0.001868*math.Cos(gamma) - 0.032077*math.Sin(gamma) -
		0.014615*math.Cos(2*gamma) - 0.040849*math.Sin(2*gamma))
	decl := 0.006918 -
		0.399912*math.Cos(gamma) + 0.070257*math.Sin(gamma) -
		0.006758*math.Cos(2*gamma) + 0.000907*math.Sin(2*gamma) -
		0.002697*math.Cos(3*gamma) + 0.00148*math.Sin(3*gamma)

	// True solar time in minutes, then hour angle in degrees.
	tst := hour*60 + eqTime + 4*longitude
	ha := tst/4 - 180
	if ha < -180 {
		ha += 360
	}

	latRad := latitude * math.Pi / 180
	haRad := ha * math.Pi / 180

	cosZenith := math.Sin(latRad)*math.Sin(decl) + math.Cos(latRad)*math.Cos(decl)*math.Cos(haRad)
	cosZenith = math.Max(-1, math.Min(1, cosZenith))
	zenith := math.Acos(cosZenith)
	elevation = 90 - zenith*180/math.Pi

	sinZenith := math.Sin(zenith)
	if sinZenith < 1e-9 {
		// Sun at (anti)zenith, azimuth undefined; pick north.
		return elevation, 0
	}
	cosAz := (math.Sin(decl) - math.Sin(latRad)*cosZenith) / (math.Cos(latRad) * sinZenith)
	cosAz = math.Max(-1, math.Min(1, cosAz))
	azimuth = math.Acos(cosAz) * 180 / math.Pi
	if ha > 0 {
		azimuth = 360 - azimuth
	}
	return elevation, azimuth
}
