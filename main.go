package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/hwdecode/cmd"
	"github.com/smazurov/hwdecode/internal/api"
	"github.com/smazurov/hwdecode/internal/capture"
	"github.com/smazurov/hwdecode/internal/config"
	"github.com/smazurov/hwdecode/internal/decoder"
	"github.com/smazurov/hwdecode/internal/engine/v4l2m2m"
	"github.com/smazurov/hwdecode/internal/events"
	"github.com/smazurov/hwdecode/internal/logging"
	"github.com/smazurov/hwdecode/internal/media"
	"github.com/smazurov/hwdecode/internal/metrics/collectors"
	"github.com/smazurov/hwdecode/internal/metrics/exporters"
	"github.com/smazurov/hwdecode/internal/pipeline"
	"github.com/smazurov/hwdecode/internal/sink"
	"github.com/smazurov/hwdecode/internal/source"
	"github.com/smazurov/hwdecode/internal/systemd"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config  string `help:"Path to configuration file" short:"c" default:"config.toml"`
	EnvFile string `help:"Path to env file" default:".env"`

	// Input settings
	Input          string `help:"Input: MP4 file, elementary stream, or udp://host:port for RTP" short:"i" toml:"input.location" env:"INPUT_LOCATION"`
	InputCodec     string `help:"Codec of elementary streams and RTP (h264, h265, av1)" default:"h264" toml:"input.codec" env:"INPUT_CODEC"`
	InputFrameRate string `help:"Frame rate used to time elementary streams" default:"30" toml:"input.frame_rate" env:"INPUT_FRAME_RATE"`
	InputRealtime  bool   `help:"Pace file input by timestamp" default:"false" toml:"input.realtime" env:"INPUT_REALTIME"`
	InputLimit     int    `help:"Stop after this many access units (0 = all)" default:"0" toml:"input.limit" env:"INPUT_LIMIT"`

	// Decoder settings
	DecoderName           string `help:"Decoder instance name" default:"dec0" toml:"decoder.name" env:"DECODER_NAME"`
	DecoderDevice         string `help:"V4L2 decoder node (empty = first matching)" toml:"decoder.device" env:"DECODER_DEVICE"`
	DecoderFormat         string `help:"Output pixel format (nv12, yuv420p, nv24)" default:"nv12" toml:"decoder.format" env:"DECODER_FORMAT"`
	DecoderPreload        int    `help:"Ingress buffers preloaded before reclaiming" default:"2" toml:"decoder.preload_buffers" env:"DECODER_PRELOAD_BUFFERS"`
	DecoderChunkSize      int    `help:"Ingress buffer size in bytes" default:"4000000" toml:"decoder.chunk_size" env:"DECODER_CHUNK_SIZE"`
	DecoderMaxPerformance bool   `help:"Request maximum decoder clocks" default:"true" toml:"decoder.max_performance" env:"DECODER_MAX_PERFORMANCE"`
	DecoderMaxPerfControl int    `help:"Driver control id for maximum performance (0 = none)" default:"0" toml:"decoder.max_performance_control" env:"DECODER_MAX_PERFORMANCE_CONTROL"`
	DecoderDisableReorder bool   `help:"Output frames in decode order" default:"true" toml:"decoder.disable_reorder" env:"DECODER_DISABLE_REORDER"`
	DecoderHoldTimeout    string `help:"How long to wait for a retained output frame" default:"0s" toml:"decoder.hold_timeout" env:"DECODER_HOLD_TIMEOUT"`

	// Output settings
	Output          string `help:"Raw frame output file, - for stdout (empty = discard)" short:"o" toml:"output.path" env:"OUTPUT_PATH"`
	OutputSnapshots bool   `help:"Keep the latest frame for JPEG snapshots" default:"true" toml:"output.snapshots" env:"OUTPUT_SNAPSHOTS"`

	// Server settings
	Port          string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`
	ServerEnabled bool   `help:"Serve the status API" default:"true" toml:"server.enabled" env:"SERVER_ENABLED"`
	ServerLinger  bool   `help:"Keep serving after the input ends" default:"false" toml:"server.linger" env:"SERVER_LINGER"`

	// Auth settings
	AuthUsername string `help:"Basic auth username (empty disables auth)" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Observability settings
	ObsSSEEnabled  bool   `help:"Publish decoder metrics on the event stream" default:"true" toml:"obs.sse_enabled" env:"OBS_SSE_ENABLED"`
	ObsLoadPath    string `help:"Codec load file to export (empty disables)" default:"/proc/mpp_service/load" toml:"obs.load_path" env:"OBS_LOAD_PATH"`
	ObsLoadPeriod  string `help:"Codec load sampling period" default:"5s" toml:"obs.load_period" env:"OBS_LOAD_PERIOD"`
	ObsWatchConfig bool   `help:"Reload logging levels when the config file changes" default:"true" toml:"obs.watch_config" env:"OBS_WATCH_CONFIG"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingDecoder  string `help:"Decoder logging level" default:"info" toml:"logging.decoder" env:"LOGGING_DECODER"`
	LoggingEngine   string `help:"Engine logging level" default:"info" toml:"logging.engine" env:"LOGGING_ENGINE"`
	LoggingSource   string `help:"Source logging level" default:"info" toml:"logging.source" env:"LOGGING_SOURCE"`
	LoggingPipeline string `help:"Pipeline logging level" default:"info" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingObs      string `help:"Metrics logging level" default:"info" toml:"logging.obs" env:"LOGGING_OBS"`
}

func (o *Options) loggingConfig() logging.Config {
	return logging.Config{
		Level:  o.LoggingLevel,
		Format: o.LoggingFormat,
		Modules: map[string]string{
			"decoder":    o.LoggingDecoder,
			"engine":     o.LoggingEngine,
			"source":     o.LoggingSource,
			"sink":       o.LoggingSource,
			"pipeline":   o.LoggingPipeline,
			"api":        o.LoggingAPI,
			"http":       o.LoggingAPI,
			"collectors": o.LoggingObs,
			"systemd":    o.LoggingObs,
		},
	}
}

// decoderConfig turns the decoder options into a pipeline config for codec.
func (o *Options) decoderConfig(codec media.Codec) (decoder.Config, error) {
	format, err := media.ParsePixelFormat(o.DecoderFormat)
	if err != nil {
		return decoder.Config{}, err
	}
	hold, err := time.ParseDuration(o.DecoderHoldTimeout)
	if err != nil {
		return decoder.Config{}, fmt.Errorf("invalid hold timeout: %w", err)
	}

	cfg := decoder.DefaultConfig()
	cfg.Name = o.DecoderName
	cfg.Codec = codec
	cfg.OutputFormat = format
	cfg.PreloadBuffers = o.DecoderPreload
	cfg.ChunkSize = o.DecoderChunkSize
	cfg.MaxPerformance = o.DecoderMaxPerformance
	cfg.DisableReorder = o.DecoderDisableReorder
	cfg.HoldTimeout = hold
	return cfg, nil
}

// session is one decode run with its observers.
type session struct {
	opts     *Options
	logger   *slog.Logger
	bus      *events.Bus
	notifier *systemd.Notifier

	src     source.Source
	dec     *decoder.Decoder
	writer  *sink.Writer
	server  *api.Server
	sse     *exporters.SSEExporter
	load    *collectors.LoadCollector
	watcher *config.Watcher[logging.Config]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func newSession(opts *Options) (*session, error) {
	logger := logging.GetLogger("main")

	codec, err := media.ParseCodec(opts.InputCodec)
	if err != nil {
		return nil, err
	}
	var fps float64
	if _, err := fmt.Sscan(opts.InputFrameRate, &fps); err != nil {
		return nil, fmt.Errorf("invalid frame rate %q: %w", opts.InputFrameRate, err)
	}
	if opts.Input == "" {
		return nil, errors.New("no input given, use --input")
	}

	src, err := source.Open(opts.Input, source.Options{Codec: codec, FrameRate: fps})
	if err != nil {
		return nil, err
	}

	cfg, err := opts.decoderConfig(src.Codec())
	if err != nil {
		src.Close()
		return nil, err
	}

	s := &session{
		opts:     opts,
		logger:   logger,
		bus:      events.New(),
		notifier: systemd.NewNotifier(),
		src:      src,
		done:     make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	var delivery sink.Tee
	if opts.Output != "" {
		if s.writer, err = sink.Create(opts.Output); err != nil {
			src.Close()
			return nil, err
		}
		delivery = append(delivery, s.writer)
	} else {
		delivery = append(delivery, &sink.Null{})
	}

	snapshots := map[string]*capture.Latest{}
	if opts.OutputSnapshots {
		latest := capture.NewLatest()
		snapshots[cfg.Name] = latest
		delivery = append(delivery, latest)
	}

	s.dec = decoder.New(decoder.Options{
		Config: cfg,
		NewEngine: v4l2m2m.Factory(v4l2m2m.Options{
			Device:                opts.DecoderDevice,
			Codec:                 cfg.Codec,
			MaxPerformanceControl: uint32(opts.DecoderMaxPerfControl),
			Logger:                logging.GetLogger("engine"),
		}),
		Delivery: delivery,
		Events:   s.bus,
	})

	if opts.ServerEnabled {
		s.server = api.NewServer(api.Options{
			AuthUsername:      opts.AuthUsername,
			AuthPassword:      opts.AuthPassword,
			Snapshots:         snapshots,
			Events:            s.bus,
			PrometheusHandler: exporters.HTTPHandler(),
		})
		s.server.Register(s.dec)
	}
	if opts.ObsSSEEnabled {
		s.sse = exporters.NewSSEExporter(s.bus)
	}
	if opts.ObsLoadPath != "" {
		period, err := time.ParseDuration(opts.ObsLoadPeriod)
		if err != nil {
			logger.Warn("Invalid load period, using default", "value", opts.ObsLoadPeriod, "error", err)
			period = collectors.DefaultLoadInterval
		}
		s.load = collectors.NewLoadCollector(opts.ObsLoadPath, period)
	}
	if opts.ObsWatchConfig && opts.Config != "" {
		if _, err := os.Stat(opts.Config); err == nil {
			s.watcher = config.NewConfigWatcher(opts.Config, config.LoadLoggingConfig, logger)
			s.watcher.OnReload(func(lc logging.Config) {
				logging.Apply(lc)
				logger.Info("Logging levels reloaded", "level", lc.Level)
			})
		}
	}
	return s, nil
}

// run decodes the whole input. It returns when the input ends, the worker
// fails, or stop is called.
func (s *session) run() error {
	defer close(s.done)

	if s.watcher != nil {
		if err := s.watcher.Start(s.ctx); err != nil {
			s.logger.Warn("Config watcher not started", "error", err)
			s.watcher = nil
		}
	}
	if s.sse != nil {
		s.sse.Start(s.ctx)
	}
	if s.load != nil {
		s.load.Start(s.ctx)
	}

	if s.server != nil {
		go func() {
			s.logger.Info("Starting HTTP server", "port", s.opts.Port)
			if err := s.server.Start(s.opts.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("HTTP server failed", "error", err)
				s.cancel()
			}
		}()
	}

	if !s.dec.Start() {
		s.shutdown()
		return errors.New("decoder failed to start")
	}
	s.notifier.Ready()
	s.notifier.Status("decoding %s", s.opts.Input)
	go s.notifier.Watchdog(s.ctx, func() bool { return s.dec.Err() == nil })

	res, err := pipeline.Run(s.ctx, s.src, s.dec, pipeline.Options{
		Realtime: s.opts.InputRealtime,
		Limit:    s.opts.InputLimit,
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Decode run failed", "error", err)
	}
	s.logger.Info("Input done", "units", res.Units, "dropped", res.Dropped, "completed", res.Completed)

	s.dec.Stop()
	if derr := s.dec.Err(); derr != nil {
		s.logger.Error("Decoder reported an error", "error", derr)
		err = errors.Join(err, derr)
	}
	if s.writer != nil {
		s.logger.Info("Output written", "path", s.opts.Output, "frames", s.writer.Frames(), "bytes", s.writer.Bytes())
	}

	if s.server != nil && s.opts.ServerLinger && s.ctx.Err() == nil {
		s.notifier.Status("input finished, serving status")
		<-s.ctx.Done()
	}

	s.shutdown()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown releases everything except the decoder, which run stops itself.
func (s *session) shutdown() {
	s.once.Do(func() {
		s.notifier.Stopping()
		s.cancel()

		if s.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.server.Stop(ctx); err != nil {
				s.logger.Error("Error stopping HTTP server", "error", err)
			}
			cancel()
		}
		if s.load != nil {
			s.load.Stop()
		}
		if s.sse != nil {
			s.sse.Stop()
		}
		if s.watcher != nil {
			if err := s.watcher.Stop(); err != nil {
				s.logger.Warn("Error stopping config watcher", "error", err)
			}
		}
		if err := s.src.Close(); err != nil {
			s.logger.Warn("Error closing input", "error", err)
		}
		if s.writer != nil {
			if err := s.writer.Close(); err != nil {
				s.logger.Error("Error closing output", "error", err)
			}
		}
	})
}

// stop cancels the run and waits for it to unwind.
func (s *session) stop() {
	s.cancel()
	<-s.done
}

func main() {
	var cli humacli.CLI

	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(opts.loggingConfig())
		logger := logging.GetLogger("main")

		var current atomic.Pointer[session]

		hooks.OnStart(func() {
			s, err := newSession(opts)
			if err != nil {
				logger.Error("Failed to set up decode session", "error", err)
				os.Exit(1)
			}
			current.Store(s)
			if err := s.run(); err != nil {
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down")
			if s := current.Load(); s != nil {
				s.stop()
			}
		})
	})

	cli.Root().Use = "hwdecode"
	cli.Root().Short = "Hardware video decode pipeline"

	cli.Root().AddCommand(cmd.CreateDevicesCmd())
	cli.Root().AddCommand(cmd.CreateProbeCmd())
	cli.Root().AddCommand(cmd.CreateVersionCmd())
	cli.Root().AddCommand(cmd.CreateUpdateCmd())

	// Run the CLI
	cli.Run()
}
