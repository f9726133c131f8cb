// internal/data/models.go
package data

import (
	"fmt"
	"strings"
	"time"
)

// Category is one of the fixed object classes reported by the detection pipeline.
type Category string

const (
	Car       Category = "Car"
	Bus       Category = "Bus"
	Motorbike Category = "Motorbike"
)

// Categories lists every category in display order.
var Categories = []Category{Car, Bus, Motorbike}

// ParseCategory maps a wire name onto the closed category set.
func ParseCategory(name string) (Category, error) {
	switch Category(name) {
	case Car, Bus, Motorbike:
		return Category(name), nil
	}
	return "", fmt.Errorf("unknown category %q", name)
}

// LookupCategory matches name against the category set ignoring case.
func LookupCategory(name string) (Category, bool) {
	for _, c := range Categories {
		if strings.EqualFold(string(c), name) {
			return c, true
		}
	}
	return "", false
}

// Counts holds the objects detected per category.
type Counts struct {
	Car       int `json:"Car"`
	Bus       int `json:"Bus"`
	Motorbike int `json:"Motorbike"`
}

func (c Counts) Get(cat Category) int {
	switch cat {
	case Car:
		return c.Car
	case Bus:
		return c.Bus
	case Motorbike:
		return c.Motorbike
	}
	return 0
}

// Add increments the count for cat. Unknown categories are ignored.
func (c *Counts) Add(cat Category, n int) {
	switch cat {
	case Car:
		c.Car += n
	case Bus:
		c.Bus += n
	case Motorbike:
		c.Motorbike += n
	}
}

// Plus returns the element-wise sum of c and o.
func (c Counts) Plus(o Counts) Counts {
	return Counts{Car: c.Car + o.Car, Bus: c.Bus + o.Bus, Motorbike: c.Motorbike + o.Motorbike}
}

func (c Counts) Total() int {
	return c.Car + c.Bus + c.Motorbike
}

// DetectionRecord is one observation for one camera at one instant.
// Timestamp keeps the string the camera sent, since it is part of the record's identity.
type DetectionRecord struct {
	CameraLabel string    `json:"label"`
	Timestamp   string    `json:"timestamp"`
	At          time.Time `json:"-"`
	Counts      Counts    `json:"categoryCounts"`
}

// RecordKey identifies a record inside a store.
type RecordKey struct {
	CameraLabel string
	Timestamp   string
}

func (r DetectionRecord) Key() RecordKey {
	return RecordKey{CameraLabel: r.CameraLabel, Timestamp: r.Timestamp}
}

// CameraDetails is the camera metadata kept by the backend.
type CameraDetails struct {
	ID         string `json:"id,omitempty"`
	Label      string `json:"label"`
	Location   string `json:"location"`
	Status     string `json:"status"`
	Resolution string `json:"resolution"`
}

// NewCamera is the body accepted by the backend when registering a camera.
type NewCamera struct {
	Label      string `json:"label"`
	Location   string `json:"location"`
	Status     string `json:"status"`
	Resolution string `json:"resolution"`
}

// Alert - Structure for sending alerts
type Alert struct {
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"` // e.g., "WARN", "CRITICAL"
	Message   string    `json:"message"`
	Category  Category  `json:"category"`
	Value     int       `json:"value"`
	Camera    string    `json:"camera,omitempty"`
}
