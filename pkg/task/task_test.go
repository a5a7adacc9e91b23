package task

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/paris-tomo/paris/pkg/geometry"
)

func TestGenerate(t *testing.T) {
	det := geometry.Detector{PixelsH: 4, PixelsV: 4, PixelSizeH: 1, PixelSizeV: 1, DistSource: 10, DistDetector: 10, NumProjections: 3, AngleStep: 120}
	vol := geometry.Volume{DimX: 2, DimY: 2, DimZ: 5, VoxelSizeX: 1, VoxelSizeY: 1, VoxelSizeZ: 1}
	sub := geometry.Subvolumes{Count: 3, Slices: 2, Volume: vol}

	opts := Options{
		InputDir:   "/data/scan",
		Files:      []string{"p0.raw", "p1.raw", "p2.raw"},
		OutputPath: "/data/out",
		Prefix:     "vol",
	}

	tasks, err := Generate(opts, det, vol, sub)
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	for i, tk := range tasks {
		require.Equal(t, i, tk.ID)
		require.Equal(t, i, tk.Subvolume.Index)
		require.Equal(t, 3, tk.Subvolume.Count)
	}

	want := Task{
		ID:       2,
		Input:    Input{Dir: "/data/scan", Files: []string{"p0.raw", "p1.raw", "p2.raw"}},
		Detector: det,
		Volume:   vol,
		Subvolume: geometry.Subvolume{
			Index: 2, Count: 3, FirstSlice: 4, LastSlice: 4,
			Geometry: geometry.Volume{DimX: 2, DimY: 2, DimZ: 1, VoxelSizeX: 1, VoxelSizeY: 1, VoxelSizeZ: 1},
		},
		Output: Output{Path: "/data/out", Prefix: "vol"},
	}
	if diff := cmp.Diff(want, tasks[2]); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}

	// the caller's slice is not shared with the tasks
	opts.Files[0] = "changed"
	require.Equal(t, "p0.raw", tasks[0].Input.Files[0])
}

func TestGenerateErrors(t *testing.T) {
	_, err := Generate(Options{InputDir: "/empty"}, geometry.Detector{}, geometry.Volume{}, geometry.Subvolumes{Count: 1})
	require.ErrorIs(t, err, ErrNoProjections)

	_, err = Generate(Options{Files: []string{"p0.raw"}}, geometry.Detector{}, geometry.Volume{}, geometry.Subvolumes{})
	require.ErrorIs(t, err, geometry.ErrInvalidGeometry)
}
