// Package snapshot loads the full set of known cameras and their records, which
// a dashboard view uses as its starting state.
package snapshot

import (
	"context"
	"log/slog"
	"time"

	"trafficwatch-dashboard/internal/data"
)

// Source returns cameras with their nested records. An empty cameraID means
// every camera.
type Source interface {
	Cameras(ctx context.Context, cameraID string) ([]data.WireCamera, error)
}

// Flatten validates every nested record and returns the camera details and the
// accepted records in input order. Malformed records are logged and counted in
// dropped; they never fail the batch.
func Flatten(cameras []data.WireCamera, loc *time.Location) (details []data.CameraDetails, records []data.DetectionRecord, dropped int) {
	details = make([]data.CameraDetails, 0, len(cameras))
	for _, cam := range cameras {
		details = append(details, cam.Details())
		for _, w := range cam.Records {
			rec, err := w.Validate(cam.Label, loc)
			if err != nil {
				dropped++
				slog.Warn("dropping snapshot record",
					"camera", cam.Label,
					"timestamp", w.Timestamp,
					"error", err)
				continue
			}
			records = append(records, rec)
		}
	}
	return details, records, dropped
}
