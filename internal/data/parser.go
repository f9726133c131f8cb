// internal/data/parser.go
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMalformedRecord is wrapped by every rejection at the ingestion boundary.
var ErrMalformedRecord = errors.New("malformed detection record")

// WireCategory is one entry of the categories list sent by the backend.
type WireCategory struct {
	Category        string `json:"category" bson:"category" yaml:"category"`
	ObjectsDetected int    `json:"objectsDetected" bson:"objectsDetected" yaml:"objectsDetected"`
}

// WireRecord is a detection record as it travels over REST, the live channel or storage.
// Label is empty for records nested inside a camera.
type WireRecord struct {
	Label          string         `json:"label,omitempty" bson:"label,omitempty" yaml:"label,omitempty"`
	Timestamp      string         `json:"timestamp" bson:"timestamp" yaml:"timestamp"`
	Categories     []WireCategory `json:"categories,omitempty" bson:"categories,omitempty" yaml:"categories,omitempty"`
	CategoryCounts map[string]int `json:"categoryCounts,omitempty" bson:"categoryCounts,omitempty" yaml:"categoryCounts,omitempty"`
}

// WireCamera is a camera with its nested records, as returned by the snapshot sources.
type WireCamera struct {
	ID         string       `json:"id" bson:"_id,omitempty" yaml:"id"`
	Label      string       `json:"label" bson:"label" yaml:"label"`
	Location   string       `json:"location" bson:"location" yaml:"location"`
	Status     string       `json:"status" bson:"status" yaml:"status"`
	Resolution string       `json:"resolution" bson:"resolution" yaml:"resolution"`
	Records    []WireRecord `json:"records" bson:"records" yaml:"records"`
}

func (c WireCamera) Details() CameraDetails {
	return CameraDetails{ID: c.ID, Label: c.Label, Location: c.Location, Status: c.Status, Resolution: c.Resolution}
}

// ParseRecord decodes a live channel payload into a validated DetectionRecord.
func ParseRecord(raw []byte, loc *time.Location) (DetectionRecord, error) {
	var w WireRecord
	if err := json.Unmarshal(raw, &w); err != nil {
		return DetectionRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	return w.Validate("", loc)
}

// Validate converts the wire form into a DetectionRecord. label overrides the
// record's own label when the record is nested inside a camera.
func (w WireRecord) Validate(label string, loc *time.Location) (DetectionRecord, error) {
	if label == "" {
		label = w.Label
	}
	if strings.TrimSpace(label) == "" {
		return DetectionRecord{}, fmt.Errorf("%w: missing camera label", ErrMalformedRecord)
	}
	if w.Timestamp == "" {
		return DetectionRecord{}, fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	at, err := ParseTimestamp(w.Timestamp, loc)
	if err != nil {
		return DetectionRecord{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}

	var counts Counts
	for _, c := range w.Categories {
		if err := addCount(&counts, c.Category, c.ObjectsDetected); err != nil {
			return DetectionRecord{}, err
		}
	}
	for name, n := range w.CategoryCounts {
		if err := addCount(&counts, name, n); err != nil {
			return DetectionRecord{}, err
		}
	}

	return DetectionRecord{CameraLabel: label, Timestamp: w.Timestamp, At: at, Counts: counts}, nil
}

func addCount(counts *Counts, name string, n int) error {
	cat, err := ParseCategory(name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if n < 0 {
		return fmt.Errorf("%w: negative count %d for %s", ErrMalformedRecord, n, cat)
	}
	counts.Add(cat, n)
	return nil
}

// ToWire renders a record back into the wire form with the categories list.
func (r DetectionRecord) ToWire() WireRecord {
	cats := make([]WireCategory, 0, len(Categories))
	for _, c := range Categories {
		cats = append(cats, WireCategory{Category: string(c), ObjectsDetected: r.Counts.Get(c)})
	}
	return WireRecord{Label: r.CameraLabel, Timestamp: r.Timestamp, Categories: cats}
}

// Date-times without a zone are read in the caller's location, the way a browser
// reads "2024-03-11T14:05:09" as local time. A bare date is UTC midnight, as in
// the browser.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
}

const dateOnlyLayout = "2006-01-02"

// ParseTimestamp parses an ISO-8601 instant.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	if t, err := time.Parse(dateOnlyLayout, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}
