package run

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/paris-tomo/paris/cmd"
	"github.com/paris-tomo/paris/cmd/util"
	"github.com/paris-tomo/paris/internal/fsutil"
	"github.com/paris-tomo/paris/pkg/config"
	"github.com/paris-tomo/paris/pkg/geometry"
	"github.com/paris-tomo/paris/pkg/ledger"
	"github.com/paris-tomo/paris/pkg/logger"
	"github.com/paris-tomo/paris/pkg/pipeline"
	"github.com/paris-tomo/paris/pkg/task"
)

func newCommands(t *testing.T) {
	t.Helper()
	t.Cleanup(viper.Reset)

	root := cmd.NewRootCommand()
	root.AddCommand(NewRunCommand())
}

func TestReadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		util.PrepareTempConfigDir(t)
		newCommands(t)

		cfg, err := ReadConfig()
		require.NoError(t, err)
		require.Equal(t, config.DefaultConfig(), cfg)
	})

	t.Run("config_file", func(t *testing.T) {
		util.PrepareTempConfigFile(t, `
log:
  level: debug
detector:
  pixelsH: 32
  distSource: 120.5
roi:
  enabled: true
  z2: 7
input:
  synthetic: true
devices:
  count: 3
failurePolicy: isolate
ledger:
  enabled: true
  uri: file:/tmp/ledger.db
`)
		newCommands(t)

		cfg, err := ReadConfig()
		require.NoError(t, err)
		require.Equal(t, "debug", cfg.Log.Level)
		require.Equal(t, 32, cfg.Detector.PixelsH)
		require.InDelta(t, 120.5, cfg.Detector.DistSource, 1e-9)
		require.True(t, cfg.ROI.Enabled)
		require.Equal(t, 7, cfg.ROI.Z2)
		require.True(t, cfg.Input.Synthetic)
		require.Equal(t, 3, cfg.Devices.Count)
		require.Equal(t, "isolate", cfg.FailurePolicy)
		require.True(t, cfg.Ledger.Enabled)
		require.Equal(t, "file:/tmp/ledger.db", cfg.Ledger.URI)

		// untouched keys keep their defaults
		require.Equal(t, config.DefaultConfig().Pipeline, cfg.Pipeline)
	})

	t.Run("env_overrides_file", func(t *testing.T) {
		util.PrepareTempConfigFile(t, "devices:\n  count: 3\n")
		t.Setenv("PARIS_DEVICES_COUNT", "5")
		t.Setenv("PARIS_ENABLE_IO", "true")
		newCommands(t)

		cfg, err := ReadConfig()
		require.NoError(t, err)
		require.Equal(t, 5, cfg.Devices.Count)
		require.True(t, cfg.EnableIO)
	})

	t.Run("broken_file", func(t *testing.T) {
		util.PrepareTempConfigFile(t, "log: [")
		newCommands(t)

		_, err := ReadConfig()
		require.ErrorContains(t, err, "failed to load config")
	})
}

func TestFormatElapsed(t *testing.T) {
	for _, tc := range []struct {
		in   time.Duration
		want string
	}{
		{0, "0:00"},
		{1500 * time.Millisecond, "0:02"},
		{59 * time.Second, "0:59"},
		{2*time.Minute + 5*time.Second, "2:05"},
		{75 * time.Minute, "75:00"},
	} {
		require.Equal(t, tc.want, FormatElapsed(tc.in))
	}
}

func TestCrashHandler(t *testing.T) {
	log, logs := logger.NewObserverLogger("error")

	code := -1
	func() {
		defer crashHandler(log, func(c int) { code = c })
		panic("device lost")
	}()

	require.Equal(t, 1, code)
	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "crashed", entries[0].Message)
	require.Equal(t, "device lost", entries[0].ContextMap()["panic"])
	require.Contains(t, entries[0].ContextMap()["stack"], "TestCrashHandler")

	code = -1
	func() {
		defer crashHandler(log, func(c int) { code = c })
	}()
	require.Equal(t, -1, code)
}

func smallConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Log.Level = "debug"
	cfg.Detector = geometry.Detector{
		PixelsH:        16,
		PixelsV:        8,
		PixelSizeH:     1,
		PixelSizeV:     1,
		DistSource:     50,
		DistDetector:   50,
		NumProjections: 6,
		AngleStep:      30,
	}
	cfg.Devices.Count = 2
	cfg.EnableIO = true
	cfg.Input.Synthetic = true
	cfg.Output.Path = "/recon"
	return cfg
}

func finished(t *testing.T, logs logger.Logs) map[string]interface{} {
	t.Helper()
	for _, e := range logs.All() {
		if e.Message == "reconstruction finished" {
			return e.ContextMap()
		}
	}
	require.FailNow(t, "no 'reconstruction finished' log")
	return nil
}

func TestRunSynthetic(t *testing.T) {
	log, logs := logger.NewObserverLogger("debug")
	fsys := fsutil.NewMemoryFileSystem()

	cfg := smallConfig()
	require.NoError(t, cfg.Verify())
	rc := &RunContext{Logger: log, FS: fsys}

	tasks, err := rc.tasks(cfg)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	require.NoError(t, rc.Run(context.Background(), cfg))

	fields := finished(t, logs)
	require.EqualValues(t, 1, fields["tasks"])
	require.Regexp(t, `^\d+:\d\d$`, fields["elapsed"])
	require.True(t, fsys.Exists("/recon/vol_0.raw"))
}

func TestRunWithoutIO(t *testing.T) {
	log, logs := logger.NewObserverLogger("info")
	fsys := fsutil.NewMemoryFileSystem()

	cfg := smallConfig()
	cfg.EnableIO = false
	require.NoError(t, cfg.Verify())

	rc := &RunContext{Logger: log, FS: fsys}
	require.NoError(t, rc.Run(context.Background(), cfg))

	messages := logs.Messages()
	require.Contains(t, messages, "volume geometry")
	require.Contains(t, messages, "reconstruction skipped because 'enableIO' is false")
	require.NotContains(t, messages, "reconstruction finished")

	out, err := fsys.Glob("/recon/*")
	require.NoError(t, err)
	require.Empty(t, out)

	t.Run("bad_geometry", func(t *testing.T) {
		cfg := smallConfig()
		cfg.EnableIO = false
		cfg.ROI = geometry.ROI{Enabled: true, X1: 10, X2: 2}

		err := rc.Run(context.Background(), cfg)
		require.ErrorIs(t, err, pipeline.ErrConstruction)
	})
}

func TestRunInterrupted(t *testing.T) {
	log, logs := logger.NewObserverLogger("info")
	cfg := smallConfig()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rc := &RunContext{Logger: log, FS: fsutil.NewMemoryFileSystem()}
	err := rc.Run(ctx, cfg)
	require.ErrorIs(t, err, pipeline.ErrRuntime)
	require.ErrorIs(t, err, pipeline.ErrInterrupted)

	messages := logs.Messages()
	require.Contains(t, messages, "reconstruction interrupted")
	require.NotContains(t, messages, "reconstruction finished")
}

func TestRunSplitsVolumeByMemory(t *testing.T) {
	log, logs := logger.NewObserverLogger("info")
	cfg := smallConfig()

	vol, err := geometry.CalculateVolume(cfg.Detector, geometry.ROI{})
	require.NoError(t, err)

	// room for a quarter of the volume next to the projections in flight
	projections := int64(7 * cfg.Detector.Pixels() * 4)
	cfg.Devices.MemoryBytes = 3 * (vol.Bytes()/4 + projections)

	rc := &RunContext{Logger: log, FS: fsutil.NewMemoryFileSystem()}
	tasks, err := rc.tasks(cfg)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	require.NoError(t, rc.Run(context.Background(), cfg))
	require.EqualValues(t, 4, finished(t, logs)["tasks"])
}

func writeProjections(t *testing.T, fsys fsutil.FileSystem, dir string, det geometry.Detector, n int) {
	t.Helper()

	img := make([]float32, det.Pixels())
	for i := range img {
		img[i] = float32(i % det.PixelsH)
	}
	var raw bytes.Buffer
	require.NoError(t, binary.Write(&raw, binary.LittleEndian, img))

	for i := range n {
		require.NoError(t, fsys.WriteFile(filepath.Join(dir, fmt.Sprintf("proj_%03d.raw", i)), raw.Bytes(), 0o644))
	}
}

func TestRunWithIOAndLedger(t *testing.T) {
	log, logs := logger.NewObserverLogger("info")
	fsys := fsutil.NewMemoryFileSystem()

	cfg := smallConfig()
	cfg.Input.Synthetic = false
	cfg.Input.Dir = "/scan"
	cfg.Ledger.Enabled = true
	cfg.Ledger.URI = "file:" + filepath.Join(t.TempDir(), "ledger.db")
	require.NoError(t, cfg.Verify())

	writeProjections(t, fsys, "/scan", cfg.Detector, cfg.Detector.NumProjections)

	rc := &RunContext{Logger: log, FS: fsys}
	require.NoError(t, rc.Run(context.Background(), cfg))

	fields := finished(t, logs)
	require.True(t, fsys.Exists("/recon/vol_0.raw"))
	require.True(t, fsys.Exists("/recon/vol_0.json"))

	led, err := ledger.Open(context.Background(), cfg.Ledger.URI)
	require.NoError(t, err)
	defer led.Close()

	entries, err := led.List(context.Background(), fields["run_id"].(string))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "/recon/vol_0.raw", entries[0].Path)
}

func TestRunFailures(t *testing.T) {
	t.Run("construction", func(t *testing.T) {
		log, logs := logger.NewObserverLogger("error")

		cfg := smallConfig()
		cfg.Input.Synthetic = false
		cfg.Input.Dir = "/empty"

		rc := &RunContext{Logger: log, FS: fsutil.NewMemoryFileSystem()}
		err := rc.Run(context.Background(), cfg)
		require.ErrorIs(t, err, pipeline.ErrConstruction)
		require.ErrorIs(t, err, task.ErrNoProjections)
		require.Equal(t, "pipeline construction failed", logs.All()[0].Message)
	})

	t.Run("execution", func(t *testing.T) {
		log, logs := logger.NewObserverLogger("error")
		fsys := fsutil.NewMemoryFileSystem()

		cfg := smallConfig()
		cfg.Input.Synthetic = false
		cfg.Input.Dir = "/scan"
		require.NoError(t, fsys.WriteFile("/scan/truncated.raw", []byte{1, 2, 3}, 0o644))

		rc := &RunContext{Logger: log, FS: fsys}
		err := rc.Run(context.Background(), cfg)
		require.ErrorIs(t, err, pipeline.ErrRuntime)

		var rerr *pipeline.RuntimeError
		require.True(t, errors.As(err, &rerr))
		require.Equal(t, "preloader", rerr.Stage)

		messages := logs.Messages()
		require.Contains(t, messages, "pipeline execution failed")
	})
}

func TestRunWithoutDevices(t *testing.T) {
	log, logs := logger.NewObserverLogger("info")
	cfg := smallConfig()
	cfg.Devices.Count = 0

	rc := &RunContext{Logger: log, FS: fsutil.NewMemoryFileSystem()}
	require.NoError(t, rc.Run(context.Background(), cfg))
	require.EqualValues(t, 0, finished(t, logs)["tasks"])
}
