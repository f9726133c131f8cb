package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"trafficwatch-dashboard/internal/data"
)

const camerasJSON = `[
 {"id":"1","label":"north","location":"A1","status":"Active","resolution":"1080p",
  "records":[{"timestamp":"2024-03-11T10:00:05","categories":[{"category":"Car","objectsDetected":2}]}]},
 {"id":"2","label":"south","location":"A2","status":"Inactive","resolution":"720p","records":[]}
]`

func TestListCameras(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/cameras" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("active"); got != "true" {
			t.Errorf("active = %q", got)
		}
		w.Write([]byte(camerasJSON))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second, true)
	cams, err := c.Cameras(context.Background(), "")
	if err != nil {
		t.Fatalf("Cameras failed: %v", err)
	}
	if len(cams) != 2 {
		t.Fatalf("got %d cameras", len(cams))
	}
	if cams[0].Label != "north" || len(cams[0].Records) != 1 {
		t.Errorf("camera = %+v", cams[0])
	}
	if cams[0].Records[0].Categories[0].ObjectsDetected != 2 {
		t.Errorf("record = %+v", cams[0].Records[0])
	}
}

func TestGetCamera(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/cameras/7" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"id":"7","label":"bridge","records":[]}`))
	}))
	defer srv.Close()

	cams, err := NewClient(srv.URL, time.Second, false).Cameras(context.Background(), "7")
	if err != nil {
		t.Fatalf("Cameras failed: %v", err)
	}
	if len(cams) != 1 || cams[0].Label != "bridge" {
		t.Errorf("got %+v", cams)
	}
}

func TestNon2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, time.Second, false).ListCameras(context.Background(), false)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusInternalServerError || se.Body != "boom" {
		t.Errorf("status error = %+v", se)
	}
}

func TestCreateCamera(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		var nc data.NewCamera
		if err := json.NewDecoder(r.Body).Decode(&nc); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		json.NewEncoder(w).Encode(data.CameraDetails{ID: "99", Label: nc.Label, Location: nc.Location})
	}))
	defer srv.Close()

	got, err := NewClient(srv.URL, time.Second, false).CreateCamera(context.Background(), data.NewCamera{Label: "gate", Location: "East"})
	if err != nil {
		t.Fatalf("CreateCamera failed: %v", err)
	}
	if got.ID != "99" || got.Label != "gate" {
		t.Errorf("got %+v", got)
	}
}
