package plants

import (
	"fmt"
	"strings"

	"gryns/tower-server/internal/model"
)

// Placeholder is shown wherever a value is unknown.
const Placeholder = "—"

// FormatDuration renders a duration range for display, e.g. "8-28 days".
func FormatDuration(d *model.DurationRange) string {
	s, ok := d.Format()
	if !ok {
		return Placeholder
	}
	return s
}

// ImageURL returns the plant's image, falling back to the bundled /plants/{id}.webp asset.
func ImageURL(p *model.PlantRecord) string {
	if p == nil {
		return ""
	}
	if p.Image != "" {
		return p.Image
	}
	return "/plants/" + p.ID + ".webp"
}

// IconURL returns the list icon path, or "" when the plant has none.
func IconURL(p *model.PlantRecord) string {
	if p == nil || p.IconImage == "" {
		return ""
	}
	return "/plants/" + p.IconImage
}

// HarvestLabel describes the time from planting to harvest.
func HarvestLabel(p *model.PlantRecord) string {
	if p == nil || p.Harvest == nil {
		return Placeholder
	}
	return FormatDuration(p.Harvest.Duration)
}

// YieldLabel describes the expected yield.
func YieldLabel(p *model.PlantRecord) string {
	if p == nil || p.Yield == nil {
		return Placeholder
	}
	y := p.Yield
	switch {
	case y.Label != "":
		return y.Label
	case y.Value != nil && y.Unit != "":
		return fmt.Sprintf("%g %s", *y.Value, y.Unit)
	case y.Unit != "":
		return y.Unit
	}
	return Placeholder
}

// HardinessLabel renders the zone range, e.g. "9 – 11".
func HardinessLabel(p *model.PlantRecord) string {
	if p == nil || p.HardinessZone == nil {
		return ""
	}
	var parts []string
	if p.HardinessZone.Min != nil {
		parts = append(parts, fmt.Sprintf("%g", *p.HardinessZone.Min))
	}
	if p.HardinessZone.Max != nil {
		parts = append(parts, fmt.Sprintf("%g", *p.HardinessZone.Max))
	}
	return strings.Join(parts, " – ")
}
