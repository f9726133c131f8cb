package snapshot

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"trafficwatch-dashboard/internal/data"
)

// fixture is the on-disk layout of a FileSource.
type fixture struct {
	Cameras []data.WireCamera `yaml:"cameras"`
}

// FileSource serves cameras from a YAML fixture. The file is read on every call
// so edits show up on the next view load.
type FileSource struct {
	Path string
}

func (f *FileSource) Cameras(ctx context.Context, cameraID string) ([]data.WireCamera, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot file: %w", err)
	}
	var fx fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return nil, fmt.Errorf("parsing snapshot file %s: %w", f.Path, err)
	}
	if cameraID == "" {
		return fx.Cameras, nil
	}
	for _, cam := range fx.Cameras {
		if cam.ID == cameraID {
			return []data.WireCamera{cam}, nil
		}
	}
	return nil, fmt.Errorf("camera %q not found in %s", cameraID, f.Path)
}
