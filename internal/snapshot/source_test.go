package snapshot

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"trafficwatch-dashboard/internal/data"
)

func TestFlattenDropsMalformedRecords(t *testing.T) {
	cams := []data.WireCamera{
		{ID: "1", Label: "north", Records: []data.WireRecord{
			{Timestamp: "2024-03-11T10:00:05Z", Categories: []data.WireCategory{{Category: "Car", ObjectsDetected: 3}}},
			{Timestamp: "not a time"},
			{Timestamp: "2024-03-11T10:00:47Z", Categories: []data.WireCategory{{Category: "Truck", ObjectsDetected: 1}}},
		}},
		{ID: "2", Label: "south", Records: []data.WireRecord{
			{Timestamp: "2024-03-11T10:01:00Z", Categories: []data.WireCategory{{Category: "Bus", ObjectsDetected: 1}}},
		}},
	}

	details, records, dropped := Flatten(cams, time.UTC)
	if len(details) != 2 || details[1].Label != "south" {
		t.Errorf("details = %+v", details)
	}
	if dropped != 2 {
		t.Errorf("dropped = %d, want 2", dropped)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].CameraLabel != "north" || records[0].Counts.Car != 3 {
		t.Errorf("first record = %+v", records[0])
	}
	if records[1].CameraLabel != "south" || records[1].Counts.Bus != 1 {
		t.Errorf("second record = %+v", records[1])
	}
}

const fixtureYAML = `
cameras:
  - id: "1"
    label: north
    location: Main St
    status: Active
    resolution: 1080p
    records:
      - timestamp: "2024-03-11T10:00:05"
        categories:
          - category: Car
            objectsDetected: 4
  - id: "2"
    label: south
    status: Inactive
    records: []
`

func writeFixture(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cameras.yaml")
	if err := os.WriteFile(path, []byte(fixtureYAML), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
	return path
}

func TestFileSource(t *testing.T) {
	src := &FileSource{Path: writeFixture(t)}

	all, err := src.Cameras(context.Background(), "")
	if err != nil {
		t.Fatalf("Cameras failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d cameras", len(all))
	}
	if all[0].Records[0].Categories[0].ObjectsDetected != 4 {
		t.Errorf("record = %+v", all[0].Records[0])
	}

	one, err := src.Cameras(context.Background(), "2")
	if err != nil {
		t.Fatalf("Cameras(2) failed: %v", err)
	}
	if len(one) != 1 || one[0].Label != "south" {
		t.Errorf("got %+v", one)
	}

	if _, err := src.Cameras(context.Background(), "9"); err == nil {
		t.Error("expected an error for an unknown camera")
	}
}

func TestFileSourceMissingFile(t *testing.T) {
	src := &FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := src.Cameras(context.Background(), ""); err == nil {
		t.Fatal("expected an error")
	}
}

func TestCameraDocIDs(t *testing.T) {
	oid := bson.NewObjectID()
	tests := []struct {
		name string
		id   any
		want string
	}{
		{"object id", oid, oid.Hex()},
		{"string id", "cam-7", "cam-7"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := bson.Marshal(bson.D{
				{Key: "_id", Value: tt.id},
				{Key: "label", Value: "north"},
				{Key: "records", Value: bson.A{
					bson.D{{Key: "timestamp", Value: "2024-03-11T10:00:05Z"}},
				}},
			})
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var doc cameraDoc
			if err := bson.Unmarshal(raw, &doc); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			cam := doc.wire()
			if cam.ID != tt.want || cam.Label != "north" || len(cam.Records) != 1 {
				t.Errorf("camera = %+v", cam)
			}
		})
	}
}

func TestCameraFilter(t *testing.T) {
	if f := cameraFilter("", false); len(f) != 0 {
		t.Errorf("all cameras filter = %v", f)
	}
	if f := cameraFilter("", true); len(f) != 1 || f[0].Key != "status" {
		t.Errorf("active filter = %v", f)
	}
	if f := cameraFilter("cam-7", true); len(f) != 1 || f[0].Value != "cam-7" {
		t.Errorf("id filter = %v", f)
	}
}
