package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rtm0/pangu/internal/config"
	"github.com/rtm0/pangu/internal/engine"
	"github.com/rtm0/pangu/internal/era5"
	"github.com/rtm0/pangu/internal/layout"
	"github.com/rtm0/pangu/internal/ledger"
	"github.com/rtm0/pangu/internal/notify"
	"github.com/rtm0/pangu/internal/progress"
	"github.com/rtm0/pangu/internal/rollout"
	"github.com/rtm0/pangu/internal/store"
	"github.com/rtm0/pangu/internal/tensor"
	"github.com/rtm0/pangu/internal/vm"
)

var defaults = config.Default()

var (
	configFile  = flag.String("config", "", "path to a TOML config file; flags given explicitly override it")
	initTime    = flag.String("init", defaults.InitTime, "initialization time, YYYY-MM-DDTHH in UTC")
	inputDir    = flag.String("input-dir", defaults.InputDir, "directory holding input_upper_YYYYMMDDHH and input_surface_YYYYMMDDHH")
	outputDir   = flag.String("output-dir", defaults.OutputDir, "directory the YYYYMMDDHH run directory is created in")
	inputFormat = flag.String("input-format", defaults.InputFormat, "initial condition format: npy, netcdf, arrow or era5")
	era5Upper   = flag.String("era5-upper", "", "ERA5 pressure-level NetCDF file, with -input-format era5")
	era5Surface = flag.String("era5-surface", "", "ERA5 single-level NetCDF file; defaults to -era5-upper")
	format      = flag.String("format", defaults.Format, "output format: npy, netcdf or arrow")
	steps       = flag.Int("steps", defaults.Steps, "number of 6-hour steps")
	save        = flag.String("save", defaults.Save, "steps to persist: all, final, or every N-th")
	checkFinite = flag.Bool("check-finite", false, "abort when a forecast contains NaN or Inf")
	ledgerPath  = flag.String("ledger", "", "SQLite run ledger; empty disables it")
	showBar     = flag.Bool("progress", false, "draw a progress bar on stderr")

	model6     = flag.String("model-6", defaults.Models.Fine, "path to the 6-hour ONNX model")
	model24    = flag.String("model-24", defaults.Models.Coarse, "path to the 24-hour ONNX model")
	ortLib     = flag.String("ort-lib", "", "path to the onnxruntime shared library")
	threads    = flag.Int("threads", defaults.Models.Threads, "intra-op threads; more is faster and uses more memory")
	cuda       = flag.Bool("cuda", false, "run on the CUDA execution provider")
	cudaDevice = flag.Int("cuda-device", 0, "CUDA device id")

	vmInsertURL   = flag.String("vmInsertUrl", "", "Victoria Metrics insert API URL for step statistics, e.g. http://localhost:8428/write; empty disables export")
	metricPrefix  = flag.String("metricPrefix", defaults.Metrics.Prefix, "metric name prefix")
	concurrency   = flag.Int("concurrency", defaults.Metrics.Concurrency, "number of concurrent connections to Victoria Metrics")
	recsPerInsert = flag.Int("recsPerInsert", defaults.Metrics.RecsPerInsert, "number of records sent to VM in one batch")

	redisAddr = flag.String("redis-addr", "", "Redis address for step notifications; empty disables them")
)

// overrides copy explicitly set flags into the config.
var overrides = map[string]func(*config.Config){
	"init":          func(c *config.Config) { c.InitTime = *initTime },
	"input-dir":     func(c *config.Config) { c.InputDir = *inputDir },
	"output-dir":    func(c *config.Config) { c.OutputDir = *outputDir },
	"input-format":  func(c *config.Config) { c.InputFormat = *inputFormat },
	"era5-upper":    func(c *config.Config) { c.ERA5Upper = *era5Upper },
	"era5-surface":  func(c *config.Config) { c.ERA5Surface = *era5Surface },
	"format":        func(c *config.Config) { c.Format = *format },
	"steps":         func(c *config.Config) { c.Steps = *steps },
	"save":          func(c *config.Config) { c.Save = *save },
	"check-finite":  func(c *config.Config) { c.CheckFinite = *checkFinite },
	"ledger":        func(c *config.Config) { c.Ledger = *ledgerPath },
	"progress":      func(c *config.Config) { c.Progress = *showBar },
	"model-6":       func(c *config.Config) { c.Models.Fine = *model6 },
	"model-24":      func(c *config.Config) { c.Models.Coarse = *model24 },
	"ort-lib":       func(c *config.Config) { c.Models.ORTLib = *ortLib },
	"threads":       func(c *config.Config) { c.Models.Threads = *threads },
	"cuda":          func(c *config.Config) { c.Models.CUDA = *cuda },
	"cuda-device":   func(c *config.Config) { c.Models.CUDADevice = *cudaDevice },
	"vmInsertUrl":   func(c *config.Config) { c.Metrics.InsertURL = *vmInsertURL },
	"metricPrefix":  func(c *config.Config) { c.Metrics.Prefix = *metricPrefix },
	"concurrency":   func(c *config.Config) { c.Metrics.Concurrency = *concurrency },
	"recsPerInsert": func(c *config.Config) { c.Metrics.RecsPerInsert = *recsPerInsert },
	"redis-addr":    func(c *config.Config) { c.Redis.Addr = *redisAddr },
}

func main() {
	flag.Parse()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := loadConfig()
	if err != nil {
		logger.Error("Invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("Forecast failed", "err", err)
		stop()
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configFile != "" {
		var err error
		if cfg, err = config.Load(*configFile); err != nil {
			return config.Config{}, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		if o := overrides[f.Name]; o != nil {
			o(&cfg)
		}
	})
	return cfg, cfg.Validate()
}

func run(ctx context.Context, logger *slog.Logger, cfg config.Config) (retErr error) {
	rc, err := cfg.Rollout()
	if err != nil {
		return err
	}
	l, err := cfg.Layout()
	if err != nil {
		return err
	}
	logger.Info("Forecast", "init", cfg.InitTime, "lead", cfg.LeadTime(), "output", l.RunDir(), "format", cfg.Format)

	init, err := loadInitial(logger, cfg, l, rc.Grid)
	if err != nil {
		return fmt.Errorf("%w: %w", rollout.ErrInput, err)
	}

	if err := engine.Check(cfg.Models.Fine, cfg.Models.Coarse); err != nil {
		return err
	}
	if err := engine.Init(cfg.Models.ORTLib); err != nil {
		return err
	}
	defer engine.Shutdown()
	opts := engine.DefaultOptions
	opts.Threads = cfg.Models.Threads
	opts.CUDA = cfg.Models.CUDA
	opts.CUDADevice = cfg.Models.CUDADevice
	models, err := engine.OpenPair(logger, cfg.Models.Fine, cfg.Models.Coarse, opts)
	if err != nil {
		return err
	}
	defer models.Close()

	out, err := store.New(cfg.Format)
	if err != nil {
		return err
	}
	sink, err := store.NewSink(out, l)
	if err != nil {
		return err
	}

	var hooks []rollout.Hook
	if cfg.Ledger != "" {
		led, err := ledger.Open(cfg.Ledger)
		if err != nil {
			return err
		}
		defer led.Close()
		rec, err := led.Begin(ctx, ledger.Key{
			InitTime:    rc.InitTime,
			FineModel:   cfg.Models.Fine,
			CoarseModel: cfg.Models.Coarse,
			Steps:       rc.Steps,
			Input:       ledger.InputDigest(init),
		})
		if err != nil {
			return err
		}
		defer func() { finishRun(logger, led, rec, retErr) }()
		hooks = append(hooks, rec)
	}
	if cfg.Metrics.InsertURL != "" {
		vmCli, err := vm.NewClient(logger, cfg.Metrics.InsertURL, cfg.Metrics.Concurrency, cfg.Metrics.Prefix)
		if err != nil {
			return err
		}
		hooks = append(hooks, vm.NewExporter(vmCli, rc.Grid, cfg.RunName(), cfg.Metrics.RecsPerInsert))
	}
	if cfg.Redis.Addr != "" {
		pub, err := notify.NewPublisher(logger, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.RunName())
		if err != nil {
			return err
		}
		defer pub.Close()
		hooks = append(hooks, pub)
	}
	if cfg.Progress {
		bar := progress.New(os.Stderr, rc.Steps)
		defer bar.Stop()
		hooks = append(hooks, bar)
	}

	d, err := rollout.New(logger, rc, models.Fine, models.Coarse, sink, hooks...)
	if err != nil {
		return err
	}
	sum, err := d.Run(ctx, init)
	if err != nil {
		return err
	}
	logger.Info("Forecast complete",
		"steps", sum.Steps,
		"6h", sum.FineCalls,
		"24h", sum.CoarseCalls,
		"saved", sum.Saved,
		"in", sum.Elapsed.Round(time.Second))
	return nil
}

func loadInitial(logger *slog.Logger, cfg config.Config, l layout.Layout, g tensor.Grid) (tensor.State, error) {
	if cfg.InputFormat == "era5" {
		r, err := era5.Open(cfg.ERA5Upper)
		if err != nil {
			return tensor.State{}, err
		}
		logger.Info("ERA5 summary", r.Summary()...)
		r.Close()
		return era5.Load(cfg.ERA5Upper, cfg.ERA5SurfaceOrUpper(), l.InitTime, g)
	}
	in, err := store.New(cfg.InputFormat)
	if err != nil {
		return tensor.State{}, err
	}
	return store.LoadInput(in, l)
}

// finishRun closes the ledger entry and, for a successful run, compares it
// with the previous one of the same forecast.
func finishRun(logger *slog.Logger, led *ledger.Ledger, rec *ledger.Run, runErr error) {
	ctx := context.Background()
	if err := rec.Finish(ctx, runErr); err != nil {
		logger.Error("Could not finish ledger entry", "run", rec.ID, "err", err)
		return
	}
	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			logger.Warn("Run interrupted", "run", rec.ID)
		}
		return
	}
	prev, err := led.Previous(ctx, rec)
	if err != nil {
		logger.Error("Could not look up previous run", "err", err)
		return
	}
	if prev == "" {
		logger.Info("Recorded run", "run", rec.ID)
		return
	}
	diff, err := led.Compare(ctx, prev, rec.ID)
	if err != nil {
		logger.Error("Could not compare runs", "err", err)
		return
	}
	if len(diff) == 0 {
		logger.Info("Output identical to previous run", "run", rec.ID, "previous", prev)
		return
	}
	for _, m := range diff {
		logger.Warn("Output differs from previous run", "run", rec.ID, "previous", prev, "step", m.Index, "reason", m.Reason)
	}
}
