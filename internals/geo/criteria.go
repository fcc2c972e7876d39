// Package geo resolves location criteria ids to target area codes and
// computes caller-to-callee distances from small static lookup tables
// loaded from disk at process start.
package geo

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Geo-mode query parameter values controlling physical vs interest
// location preference
const (
	geoModeDefault  = "1"
	geoModePhysical = "2"
	geoModeInterest = "3"
)

const bingPrefix = "bing-"

// CriteriaEntry maps one external location id to its target area codes
type CriteriaEntry struct {
	AreaCodes []string `json:"area_codes"`
	State     string   `json:"state"`
}

// Selector resolves a visit URL to a prioritized list of 3-digit area codes
type Selector struct {
	criteria    map[string]CriteriaEntry
	sourceParam string
	bingSources map[string]struct{}
}

// NewSelector loads the criteria table from disk
func NewSelector(criteriaFile, sourceParam string, bingSources []string) (*Selector, error) {
	data, err := os.ReadFile(criteriaFile)
	if err != nil {
		return nil, fmt.Errorf("read criteria table: %w", err)
	}
	var criteria map[string]CriteriaEntry
	if err := json.Unmarshal(data, &criteria); err != nil {
		return nil, fmt.Errorf("parse criteria table: %w", err)
	}

	bing := make(map[string]struct{}, len(bingSources))
	for _, s := range bingSources {
		bing[strings.ToLower(s)] = struct{}{}
	}
	return &Selector{criteria: criteria, sourceParam: sourceParam, bingSources: bing}, nil
}

// TargetAreaCodes resolves the visit URL's location parameters to an ordered
// list of target area codes. Returns nil when the URL expresses no location
// preference.
func (s *Selector) TargetAreaCodes(pageURL string) []string {
	if pageURL == "" {
		return nil
	}
	parsed, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	qs := parsed.Query()

	physicalID := qs.Get("loc_physical_ms")
	interestID := qs.Get("loc_interest_ms")
	gm := qs.Get("gm")
	if gm == "" {
		gm = geoModeDefault
	}

	// Bing location ids live under a separate keyspace in the table
	if source := strings.ToLower(qs.Get(s.sourceParam)); source != "" {
		if _, ok := s.bingSources[source]; ok {
			if physicalID != "" {
				physicalID = bingPrefix + physicalID
			}
			if interestID != "" {
				interestID = bingPrefix + interestID
			}
		}
	}

	physical, hasPhysical := s.lookup(physicalID)
	interest, hasInterest := s.lookup(interestID)

	switch {
	case hasPhysical && !hasInterest:
		return physical.AreaCodes
	case hasInterest && !hasPhysical:
		return interest.AreaCodes
	case hasPhysical && hasInterest:
		switch gm {
		case geoModePhysical:
			return physical.AreaCodes
		case geoModeInterest:
			return interest.AreaCodes
		default:
			// Same-state searches trust the interest location; otherwise the
			// searcher's physical location wins.
			if physical.State != "" && physical.State == interest.State {
				return interest.AreaCodes
			}
			return physical.AreaCodes
		}
	}
	return nil
}

func (s *Selector) lookup(id string) (CriteriaEntry, bool) {
	if id == "" {
		return CriteriaEntry{}, false
	}
	entry, ok := s.criteria[id]
	return entry, ok
}
