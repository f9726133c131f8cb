package anomaly

import (
	"fmt"
	"log/slog"

	"trafficwatch-dashboard/internal/config"
	"trafficwatch-dashboard/internal/data"
)

type bounds struct {
	min, max int
}

// Detector flags records whose per-category count leaves the configured range.
type Detector struct {
	rules map[data.Category]bounds
}

// NewDetector resolves rule names against the category set. A max of 0 leaves
// the range open at the top.
func NewDetector(rules map[string]config.Rule) *Detector {
	d := &Detector{rules: make(map[data.Category]bounds, len(rules))}
	for name, r := range rules {
		cat, ok := data.LookupCategory(name)
		if !ok {
			slog.Warn("ignoring anomaly rule for unknown category", "category", name)
			continue
		}
		d.rules[cat] = bounds{min: r.Min, max: r.Max}
	}
	return d
}

// Check checks a record against the configured rules.
func (d *Detector) Check(rec data.DetectionRecord) []data.Alert {
	var alerts []data.Alert
	for _, cat := range data.Categories {
		rule, ok := d.rules[cat]
		if !ok {
			continue
		}
		n := rec.Counts.Get(cat)
		if n >= rule.min && (rule.max <= 0 || n <= rule.max) {
			continue
		}
		alert := data.Alert{
			Timestamp: rec.At,
			Severity:  "WARN",
			Message:   fmt.Sprintf("%s count %d on camera %s is outside %s", cat, n, rec.CameraLabel, rule),
			Category:  cat,
			Value:     n,
			Camera:    rec.CameraLabel,
		}
		alerts = append(alerts, alert)
		slog.Info("anomaly detected", "camera", rec.CameraLabel, "category", cat, "value", n)
	}
	return alerts
}

func (b bounds) String() string {
	if b.max <= 0 {
		return fmt.Sprintf("[%d, +inf)", b.min)
	}
	return fmt.Sprintf("[%d, %d]", b.min, b.max)
}
