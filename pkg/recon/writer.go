//go:generate mockgen -source writer.go -destination ../../internal/mocks/mock_writer.go -package mocks Writer

package recon

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/paris-tomo/paris/internal/fsutil"
)

// Writer persists one finished volume and returns where it was written.
type Writer interface {
	Write(ctx context.Context, v *Volume) (string, error)
}

// VolumeWriter stores a volume as <path>/<prefix>_<index>.raw, raw
// little-endian float32 voxels in x, y, z order, plus a JSON sidecar with
// the same name and a .json extension.
type VolumeWriter struct {
	FS fsutil.FileSystem
}

type sidecar struct {
	TaskID     int     `json:"taskId"`
	Index      int     `json:"index"`
	Count      int     `json:"count"`
	FirstSlice int     `json:"firstSlice"`
	LastSlice  int     `json:"lastSlice"`
	DimX       int     `json:"dimX"`
	DimY       int     `json:"dimY"`
	DimZ       int     `json:"dimZ"`
	VoxelSizeX float64 `json:"voxelSizeX"`
	VoxelSizeY float64 `json:"voxelSizeY"`
	VoxelSizeZ float64 `json:"voxelSizeZ"`
}

// VolumePath returns the file a volume is written to.
func VolumePath(v *Volume) string {
	return filepath.Join(v.Output.Path, fmt.Sprintf("%s_%d.raw", v.Output.Prefix, v.Subvolume.Index))
}

func (w VolumeWriter) Write(_ context.Context, v *Volume) (string, error) {
	if err := w.FS.MkdirAll(v.Output.Path, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}

	var raw bytes.Buffer
	raw.Grow(len(v.Buffer.Data()) * 4)
	if err := binary.Write(&raw, binary.LittleEndian, v.Buffer.Data()); err != nil {
		return "", err
	}

	path := VolumePath(v)
	if err := w.FS.WriteFile(path, raw.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write volume %d: %w", v.Subvolume.Index, err)
	}

	g := v.Subvolume.Geometry
	meta, err := json.MarshalIndent(sidecar{
		TaskID:     v.TaskID,
		Index:      v.Subvolume.Index,
		Count:      v.Subvolume.Count,
		FirstSlice: v.Subvolume.FirstSlice,
		LastSlice:  v.Subvolume.LastSlice,
		DimX:       g.DimX,
		DimY:       g.DimY,
		DimZ:       g.DimZ,
		VoxelSizeX: g.VoxelSizeX,
		VoxelSizeY: g.VoxelSizeY,
		VoxelSizeZ: g.VoxelSizeZ,
	}, "", "  ")
	if err != nil {
		return "", err
	}

	metaPath := path[:len(path)-len(filepath.Ext(path))] + ".json"
	if err := w.FS.WriteFile(metaPath, meta, 0o644); err != nil {
		return "", fmt.Errorf("write volume %d metadata: %w", v.Subvolume.Index, err)
	}
	return path, nil
}
