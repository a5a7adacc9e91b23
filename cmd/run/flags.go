package run

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/paris-tomo/paris/cmd/util"
	"github.com/paris-tomo/paris/pkg/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.Flags()

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "PARIS_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "PARIS_LOG_LEVEL")

	flags.String("log-timestamp-format", defaultConfig.Log.TimestampFormat, "the timestamp format to use for log messages")
	util.MustBindPFlag("log.timestampFormat", flags.Lookup("log-timestamp-format"))
	util.MustBindEnv("log.timestampFormat", "PARIS_LOG_TIMESTAMP_FORMAT")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "PARIS_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "PARIS_TRACE_OTLP_ENDPOINT")

	flags.Bool("trace-otlp-tls-enabled", defaultConfig.Trace.OTLP.TLS.Enabled, "use TLS connection for trace collector")
	util.MustBindPFlag("trace.otlp.tls.enabled", flags.Lookup("trace-otlp-tls-enabled"))
	util.MustBindEnv("trace.otlp.tls.enabled", "PARIS_TRACE_OTLP_TLS_ENABLED")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "PARIS_TRACE_SAMPLE_RATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "PARIS_TRACE_SERVICE_NAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "PARIS_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "PARIS_METRICS_ADDR")

	flags.Int("detector-pixels-h", defaultConfig.Detector.PixelsH, "the number of detector columns")
	util.MustBindPFlag("detector.pixelsH", flags.Lookup("detector-pixels-h"))
	util.MustBindEnv("detector.pixelsH", "PARIS_DETECTOR_PIXELS_H")

	flags.Int("detector-pixels-v", defaultConfig.Detector.PixelsV, "the number of detector rows")
	util.MustBindPFlag("detector.pixelsV", flags.Lookup("detector-pixels-v"))
	util.MustBindEnv("detector.pixelsV", "PARIS_DETECTOR_PIXELS_V")

	flags.Float64("detector-pixel-size-h", defaultConfig.Detector.PixelSizeH, "the horizontal pixel size in mm")
	util.MustBindPFlag("detector.pixelSizeH", flags.Lookup("detector-pixel-size-h"))
	util.MustBindEnv("detector.pixelSizeH", "PARIS_DETECTOR_PIXEL_SIZE_H")

	flags.Float64("detector-pixel-size-v", defaultConfig.Detector.PixelSizeV, "the vertical pixel size in mm")
	util.MustBindPFlag("detector.pixelSizeV", flags.Lookup("detector-pixel-size-v"))
	util.MustBindEnv("detector.pixelSizeV", "PARIS_DETECTOR_PIXEL_SIZE_V")

	flags.Float64("detector-offset-h", defaultConfig.Detector.OffsetH, "the horizontal detector offset in pixels")
	util.MustBindPFlag("detector.offsetH", flags.Lookup("detector-offset-h"))
	util.MustBindEnv("detector.offsetH", "PARIS_DETECTOR_OFFSET_H")

	flags.Float64("detector-offset-v", defaultConfig.Detector.OffsetV, "the vertical detector offset in pixels")
	util.MustBindPFlag("detector.offsetV", flags.Lookup("detector-offset-v"))
	util.MustBindEnv("detector.offsetV", "PARIS_DETECTOR_OFFSET_V")

	flags.Float64("detector-dist-source", defaultConfig.Detector.DistSource, "the distance between source and rotation axis in mm")
	util.MustBindPFlag("detector.distSource", flags.Lookup("detector-dist-source"))
	util.MustBindEnv("detector.distSource", "PARIS_DETECTOR_DIST_SOURCE")

	flags.Float64("detector-dist-detector", defaultConfig.Detector.DistDetector, "the distance between rotation axis and detector in mm")
	util.MustBindPFlag("detector.distDetector", flags.Lookup("detector-dist-detector"))
	util.MustBindEnv("detector.distDetector", "PARIS_DETECTOR_DIST_DETECTOR")

	flags.Int("detector-num-projections", defaultConfig.Detector.NumProjections, "the number of projections of the scan")
	util.MustBindPFlag("detector.numProjections", flags.Lookup("detector-num-projections"))
	util.MustBindEnv("detector.numProjections", "PARIS_DETECTOR_NUM_PROJECTIONS")

	flags.Float64("detector-angle-step", defaultConfig.Detector.AngleStep, "the gantry rotation between two projections in degrees")
	util.MustBindPFlag("detector.angleStep", flags.Lookup("detector-angle-step"))
	util.MustBindEnv("detector.angleStep", "PARIS_DETECTOR_ANGLE_STEP")

	flags.Bool("roi-enabled", defaultConfig.ROI.Enabled, "reconstruct only the region of interest given by the roi-* flags")
	util.MustBindPFlag("roi.enabled", flags.Lookup("roi-enabled"))
	util.MustBindEnv("roi.enabled", "PARIS_ROI_ENABLED")

	for _, axis := range []string{"x1", "x2", "y1", "y2", "z1", "z2"} {
		flag := "roi-" + axis
		flags.Int(flag, 0, "the '"+axis+"' voxel bound of the region of interest")
		util.MustBindPFlag("roi."+axis, flags.Lookup(flag))
		util.MustBindEnv("roi."+axis, "PARIS_ROI_"+strings.ToUpper(axis))
	}

	flags.String("input-dir", defaultConfig.Input.Dir, "the directory holding the projection files")
	util.MustBindPFlag("input.dir", flags.Lookup("input-dir"))
	util.MustBindEnv("input.dir", "PARIS_INPUT_DIR")

	flags.String("input-pattern", defaultConfig.Input.Pattern, "the glob pattern selecting projection files inside input-dir")
	util.MustBindPFlag("input.pattern", flags.Lookup("input-pattern"))
	util.MustBindEnv("input.pattern", "PARIS_INPUT_PATTERN")

	flags.Bool("input-synthetic", defaultConfig.Input.Synthetic, "reconstruct a synthetic cylinder instead of reading projections from input-dir")
	util.MustBindPFlag("input.synthetic", flags.Lookup("input-synthetic"))
	util.MustBindEnv("input.synthetic", "PARIS_INPUT_SYNTHETIC")

	flags.String("output-path", defaultConfig.Output.Path, "the directory the reconstructed subvolumes are written to")
	util.MustBindPFlag("output.path", flags.Lookup("output-path"))
	util.MustBindEnv("output.path", "PARIS_OUTPUT_PATH")

	flags.String("output-prefix", defaultConfig.Output.Prefix, "the file name prefix of the reconstructed subvolumes")
	util.MustBindPFlag("output.prefix", flags.Lookup("output-prefix"))
	util.MustBindEnv("output.prefix", "PARIS_OUTPUT_PREFIX")

	flags.Bool("enable-io", defaultConfig.EnableIO, "run the reconstruction and write volumes to output-path; without it the volume is only planned")
	util.MustBindPFlag("enableIO", flags.Lookup("enable-io"))
	util.MustBindEnv("enableIO", "PARIS_ENABLE_IO", "PARIS_ENABLEIO")

	flags.Int("pipeline-input-limit", defaultConfig.Pipeline.InputLimit, "the capacity of the queue in front of every stage")
	util.MustBindPFlag("pipeline.inputLimit", flags.Lookup("pipeline-input-limit"))
	util.MustBindEnv("pipeline.inputLimit", "PARIS_PIPELINE_INPUT_LIMIT", "PARIS_PIPELINE_INPUTLIMIT")

	flags.Int("pipeline-parallel-projections", defaultConfig.Pipeline.ParallelProjections, "the number of projections kept in flight per device")
	util.MustBindPFlag("pipeline.parallelProjections", flags.Lookup("pipeline-parallel-projections"))
	util.MustBindEnv("pipeline.parallelProjections", "PARIS_PIPELINE_PARALLEL_PROJECTIONS", "PARIS_PIPELINE_PARALLELPROJECTIONS")

	flags.Int("devices-count", defaultConfig.Devices.Count, "the number of devices to reconstruct on")
	util.MustBindPFlag("devices.count", flags.Lookup("devices-count"))
	util.MustBindEnv("devices.count", "PARIS_DEVICES_COUNT")

	flags.Int64("devices-memory-bytes", defaultConfig.Devices.MemoryBytes, "the memory budget of every device in bytes (0 means unlimited)")
	util.MustBindPFlag("devices.memoryBytes", flags.Lookup("devices-memory-bytes"))
	util.MustBindEnv("devices.memoryBytes", "PARIS_DEVICES_MEMORY_BYTES", "PARIS_DEVICES_MEMORYBYTES")

	flags.String("failure-policy", defaultConfig.FailurePolicy, "what the other devices do when one device fails: 'abort' or 'isolate'")
	util.MustBindPFlag("failurePolicy", flags.Lookup("failure-policy"))
	util.MustBindEnv("failurePolicy", "PARIS_FAILURE_POLICY", "PARIS_FAILUREPOLICY")

	flags.Bool("ledger-enabled", defaultConfig.Ledger.Enabled, "record every written subvolume in a sqlite ledger")
	util.MustBindPFlag("ledger.enabled", flags.Lookup("ledger-enabled"))
	util.MustBindEnv("ledger.enabled", "PARIS_LEDGER_ENABLED")

	flags.String("ledger-uri", defaultConfig.Ledger.URI, "the sqlite connection uri of the ledger")
	util.MustBindPFlag("ledger.uri", flags.Lookup("ledger-uri"))
	util.MustBindEnv("ledger.uri", "PARIS_LEDGER_URI")
}

