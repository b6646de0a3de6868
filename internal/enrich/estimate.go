package enrich

import (
	"context"
	"strings"
)

// Estimate sources.
const (
	SourceCareGuide    = "care_guide"
	SourceCycleDefault = "cycle_default"
)

// Estimate is a guess at days from planting to harvest.
type Estimate struct {
	DaysToHarvest *int   `json:"estimated_days_to_harvest"`
	Cycle         string `json:"cycle,omitempty"`
	Source        string `json:"source"`
}

// EstimateGrowthDuration derives days to harvest from the maintenance or
// pruning cadence of a care guide, falling back to the life cycle.
func EstimateGrowthDuration(details *Details, guides []CareGuide) Estimate {
	var cycle string
	if details != nil {
		cycle = details.Cycle
	}

	if desc := maintenanceDescription(guides); desc != "" {
		switch {
		case strings.Contains(desc, "weekly") || strings.Contains(desc, "every week"):
			return estimate(60, cycle, SourceCareGuide)
		case strings.Contains(desc, "monthly") || strings.Contains(desc, "every month"):
			return estimate(90, cycle, SourceCareGuide)
		case strings.Contains(desc, "yearly") || strings.Contains(desc, "once a year"):
			return estimate(180, cycle, SourceCareGuide)
		}
	}

	switch strings.ToLower(cycle) {
	case "annual":
		return estimate(90, cycle, SourceCycleDefault)
	case "perennial":
		return estimate(180, cycle, SourceCycleDefault)
	case "biennial", "biannual":
		return estimate(365, cycle, SourceCycleDefault)
	}
	return Estimate{Cycle: cycle, Source: SourceCycleDefault}
}

func maintenanceDescription(guides []CareGuide) string {
	for _, g := range guides {
		for _, s := range g.Section {
			t := strings.ToLower(s.Type)
			if strings.Contains(t, "maintenance") || strings.Contains(t, "pruning") {
				return strings.ToLower(s.Description)
			}
		}
	}
	return ""
}

func estimate(days int, cycle, source string) Estimate {
	return Estimate{DaysToHarvest: &days, Cycle: cycle, Source: source}
}

// Lookup is the enrichment for one species.
type Lookup struct {
	Details  Details  `json:"details"`
	Estimate Estimate `json:"estimate"`
}

// Enrich fetches details and care guides for a species and estimates its
// growth duration. A failed care guide fetch degrades to the cycle default.
func (c *Client) Enrich(ctx context.Context, id int) (Lookup, error) {
	details, err := c.Details(ctx, id)
	if err != nil {
		return Lookup{}, err
	}
	guides, err := c.CareGuides(ctx, id)
	if err != nil {
		guides = nil
	}
	return Lookup{Details: details, Estimate: EstimateGrowthDuration(&details, guides)}, nil
}
