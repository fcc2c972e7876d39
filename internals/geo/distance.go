package geo

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Coord is a point on the earth
type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type geoData struct {
	AreaCodes map[string]Coord `json:"area_codes"`
	Zips      map[string]Coord `json:"zips"`
}

// Distancer computes zip-to-area-code distances from static centroid tables
type Distancer struct {
	areaCodes map[string]Coord
	zips      map[string]Coord
}

// NewDistancer loads the centroid tables from disk
func NewDistancer(geoFile string) (*Distancer, error) {
	data, err := os.ReadFile(geoFile)
	if err != nil {
		return nil, fmt.Errorf("read geo table: %w", err)
	}
	var parsed geoData
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse geo table: %w", err)
	}
	return &Distancer{areaCodes: parsed.AreaCodes, zips: parsed.Zips}, nil
}

// ZipToAreaCodeMiles returns the distance between a zip code centroid and an
// area code centroid. The second return is false when either is unknown.
func (d *Distancer) ZipToAreaCodeMiles(zip, areaCode string) (float64, bool) {
	zc, ok := d.zips[zip]
	if !ok {
		return 0, false
	}
	ac, ok := d.areaCodes[areaCode]
	if !ok {
		return 0, false
	}
	return haversineMiles(zc, ac), true
}

const earthRadiusMiles = 3958.8

func haversineMiles(a, b Coord) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMiles * math.Asin(math.Sqrt(h))
}
