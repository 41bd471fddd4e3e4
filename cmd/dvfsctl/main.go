package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/dvfsctl/internal/config"
	"codeberg.org/mutker/dvfsctl/internal/driver/gpu"
	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/eventloop"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"codeberg.org/mutker/dvfsctl/internal/metrics"
	"codeberg.org/mutker/dvfsctl/internal/perf"
	"codeberg.org/mutker/dvfsctl/internal/pid"
	"github.com/spf13/pflag"
)

const restoreTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	if cfg.LogLevel != "" {
		logger.SetLogLevel(logLevel(cfg.LogLevel))
	}
	logger.Debug().Msg("Config loaded")

	if err := run(cfg); err != nil {
		var appErr errors.Error
		if errors.As(err, &appErr) {
			logger.FatalWithCode(appErr).Send()
		}
		logger.Fatal().Err(err).Send()
	}
}

func run(cfg *config.Config) error {
	errFactory := errors.New()
	log := logger.Default()

	pidFile := pid.New("")
	if err := pidFile.Write(); err != nil {
		return err
	}
	defer pidFile.Remove()

	collector, err := metrics.NewService(cfg.Metrics.ToMetrics(), log)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitMetrics, err)
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close metrics")
		}
	}()

	loop := eventloop.New[dvfs.Event](eventloop.DefaultDepth, log)
	hw, err := buildDomains(cfg, loop, gpu.Open, log)
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	defer hw.Close()

	svc, err := perf.New(loop, hw.domains, perf.WithCollector(collector), perf.WithLogger(log))
	if err != nil {
		return errFactory.Wrap(errors.ErrInitApp, err)
	}
	svc.Start()
	defer svc.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Reporting domain levels...")
	} else if err := applyRequests(ctx, svc, cfg); err != nil {
		logger.Error().Err(err).Msg("failed to apply requested levels")
	}

	if err := monitor(ctx, svc, cfg); err != nil {
		logger.Error().Err(err).Msg("error in main loop")
	}

	return restore(svc)
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func applyRequests(ctx context.Context, svc *perf.Service, cfg *config.Config) error {
	errFactory := errors.New()

	reqs, err := cfg.Requests()
	if err != nil {
		return err
	}

	for _, req := range reqs {
		op, err := svc.SetLevelWait(ctx, req.Domain, req.Level)
		if errors.HasCode(err, dvfs.ErrDomainBusy) {
			if err := svc.SetLevel(ctx, req.Domain, req.Level); err != nil {
				return errFactory.Wrap(errors.ErrApplyLevel, err).WithMessage(req.Domain)
			}
			logger.Info().Str("domain", req.Domain).Uint32("level", req.Level).Msg("Level queued")
			continue
		}
		if err != nil {
			return errFactory.Wrap(errors.ErrApplyLevel, err).WithMessage(req.Domain)
		}
		logger.Info().
			Str("domain", req.Domain).
			Uint32("level", req.Level).
			Uint32("frequency_khz", op.Frequency).
			Uint32("voltage_mv", op.Voltage).
			Msg("Level applied")
	}

	return nil
}

func monitor(ctx context.Context, svc *perf.Service, cfg *config.Config) error {
	interval := time.Duration(cfg.Interval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-svc.Updates():
			logger.Debug().
				Str("domain", u.Domain).
				Uint32("level", u.Level).
				Uint64("cookie", uint64(u.Cookie)).
				Msg("Level changed")
		case <-ticker.C:
			status, err := svc.Snapshot(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New().Wrap(errors.ErrMainLoop, err)
			}
			logStatus(cfg, status)
		}
	}
}

func logStatus(cfg *config.Config, status []perf.DomainStatus) {
	for _, st := range status {
		if cfg.Debug {
			logger.Debug().
				Str("domain", st.Name).
				Str("state", st.State.String()).
				Uint32("level", st.Current.Level).
				Uint32("frequency_khz", st.Current.Frequency).
				Uint32("voltage_mv", st.Current.Voltage).
				Uint32("power", st.Current.Power).
				Uint32("sustained_level", st.Sustained.Level).
				Int("opps", st.OPPCount).
				Uint16("latency_us", st.Latency).
				Msg("")
		} else if cfg.Verbose || cfg.Monitor {
			logger.Info().
				Str("domain", st.Name).
				Uint32("level", st.Current.Level).
				Uint32("frequency_khz", st.Current.Frequency).
				Uint32("voltage_mv", st.Current.Voltage).
				Msg("")
		}
	}
}

// restore drives every domain back to its sustained operating point.
func restore(svc *perf.Service) error {
	ctx, cancel := context.WithTimeout(context.Background(), restoreTimeout)
	defer cancel()

	var failed []string
	for _, name := range svc.Domains() {
		op, err := svc.Sustain(ctx, name)
		if err != nil {
			logger.Error().Err(err).Str("domain", name).Msg("failed to restore sustained level")
			failed = append(failed, name)
			continue
		}
		logger.Debug().Str("domain", name).Uint32("level", op.Level).Msg("Sustained level restored")
	}

	logger.Info().Msg("Exiting...")

	if len(failed) > 0 {
		return errors.New().WithData(errors.ErrRestoreLevels, failed)
	}
	return nil
}

func logLevel(l config.LogLevel) logger.LogLevel {
	switch l {
	case config.LogLevelDebug:
		return logger.DebugLevel
	case config.LogLevelInfo:
		return logger.InfoLevel
	case config.LogLevelError:
		return logger.ErrorLevel
	default:
		return logger.WarnLevel
	}
}
