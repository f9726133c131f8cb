package aggregate

import (
	"sort"
	"time"

	"trafficwatch-dashboard/internal/data"
)

// TotalPoint is one bucket of the total-count series.
type TotalPoint struct {
	Bucket string    `json:"date"`
	Start  time.Time `json:"start"`
	Total  int       `json:"totalObjectsDetected"`
}

// CategoryPoint is one bucket of the per-category series.
type CategoryPoint struct {
	Bucket    string    `json:"date"`
	Start     time.Time `json:"start"`
	Car       int       `json:"Car"`
	Bus       int       `json:"Bus"`
	Motorbike int       `json:"Motorbike"`
}

func (p CategoryPoint) Total() int {
	return p.Car + p.Bus + p.Motorbike
}

// DistributionEntry is the share of one category over all records.
type DistributionEntry struct {
	Category   data.Category `json:"category"`
	Count      int           `json:"count"`
	Percentage float64       `json:"value"`
}

// Distribution is the all-time category split. NoData is set when nothing was
// detected at all; the percentages are then meaningless and left at zero.
type Distribution struct {
	Total   int                 `json:"total"`
	NoData  bool                `json:"noData"`
	Entries []DistributionEntry `json:"entries"`
}

// Views bundles the three derived views of one record set.
type Views struct {
	Granularity  Granularity     `json:"granularity"`
	Total        []TotalPoint    `json:"total"`
	Categories   []CategoryPoint `json:"categories"`
	Distribution Distribution    `json:"distribution"`
}

type bucket struct {
	key    string
	start  time.Time
	counts data.Counts
}

// group sums the records per bucket and orders buckets by start instant.
func group(records []data.DetectionRecord, g Granularity, loc *time.Location) []bucket {
	byKey := make(map[string]int)
	buckets := make([]bucket, 0)
	for _, r := range records {
		key := BucketKey(r.At, g, loc)
		i, ok := byKey[key]
		if !ok {
			i = len(buckets)
			byKey[key] = i
			buckets = append(buckets, bucket{key: key, start: BucketStart(r.At, g, loc)})
		}
		buckets[i].counts = buckets[i].counts.Plus(r.Counts)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if !buckets[i].start.Equal(buckets[j].start) {
			return buckets[i].start.Before(buckets[j].start)
		}
		return buckets[i].key < buckets[j].key
	})
	return buckets
}

// TotalSeries sums every category per bucket.
func TotalSeries(records []data.DetectionRecord, g Granularity, loc *time.Location) []TotalPoint {
	buckets := group(records, g, loc)
	out := make([]TotalPoint, len(buckets))
	for i, b := range buckets {
		out[i] = TotalPoint{Bucket: b.key, Start: b.start, Total: b.counts.Total()}
	}
	return out
}

// CategorySeries sums each category per bucket.
func CategorySeries(records []data.DetectionRecord, g Granularity, loc *time.Location) []CategoryPoint {
	buckets := group(records, g, loc)
	out := make([]CategoryPoint, len(buckets))
	for i, b := range buckets {
		out[i] = categoryPoint(b)
	}
	return out
}

func categoryPoint(b bucket) CategoryPoint {
	return CategoryPoint{
		Bucket:    b.key,
		Start:     b.start,
		Car:       b.counts.Car,
		Bus:       b.counts.Bus,
		Motorbike: b.counts.Motorbike,
	}
}

// CategoryDistribution computes each category's share over every record, ignoring time.
func CategoryDistribution(records []data.DetectionRecord) Distribution {
	var sum data.Counts
	for _, r := range records {
		sum = sum.Plus(r.Counts)
	}
	total := sum.Total()

	d := Distribution{Total: total, NoData: total == 0, Entries: make([]DistributionEntry, 0, len(data.Categories))}
	last := -1
	for i, c := range data.Categories {
		e := DistributionEntry{Category: c, Count: sum.Get(c)}
		if e.Count > 0 {
			e.Percentage = float64(e.Count) / float64(total) * 100
			last = i
		}
		d.Entries = append(d.Entries, e)
	}
	// The last non-zero share takes the rounding remainder so the shares add up
	// to exactly 100.
	if last >= 0 {
		var others float64
		for _, e := range d.Entries[:last] {
			others += e.Percentage
		}
		d.Entries[last].Percentage = 100 - others
	}
	return d
}

// Compute derives all three views in a single grouping pass.
func Compute(records []data.DetectionRecord, g Granularity, loc *time.Location) Views {
	buckets := group(records, g, loc)
	v := Views{
		Granularity:  g,
		Total:        make([]TotalPoint, len(buckets)),
		Categories:   make([]CategoryPoint, len(buckets)),
		Distribution: CategoryDistribution(records),
	}
	for i, b := range buckets {
		v.Total[i] = TotalPoint{Bucket: b.key, Start: b.start, Total: b.counts.Total()}
		v.Categories[i] = categoryPoint(b)
	}
	return v
}
