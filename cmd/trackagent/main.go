package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/phuslu/log"

	"github.com/shaunagostinho/trackagent/internal/cell"
	"github.com/shaunagostinho/trackagent/internal/clock"
	"github.com/shaunagostinho/trackagent/internal/geoloc"
	"github.com/shaunagostinho/trackagent/internal/gps"
	"github.com/shaunagostinho/trackagent/internal/journal"
	"github.com/shaunagostinho/trackagent/internal/network"
	"github.com/shaunagostinho/trackagent/internal/provider"
	"github.com/shaunagostinho/trackagent/internal/queue"
	"github.com/shaunagostinho/trackagent/internal/sender"
	"github.com/shaunagostinho/trackagent/internal/server"
	"github.com/shaunagostinho/trackagent/internal/status"
	"github.com/shaunagostinho/trackagent/internal/tracking"
	"github.com/shaunagostinho/trackagent/internal/wakelock"
	"github.com/shaunagostinho/trackagent/web"
)

const probeTimeout = 5 * time.Second

func main() {
	configPath := flag.String("config", "/etc/trackagent/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with simulated GPS and modem")
	wakeName := flag.String("wakelock", "", "Kernel wake lock name (empty disables /sys/power locking)")
	flag.Parse()

	log.DefaultLogger.Writer = &log.ConsoleWriter{QuoteString: true, EndWithMessage: true}

	cfg := server.LoadConfig(*configPath)
	if *demo {
		cfg.GPS.Type = "demo"
		cfg.Cell.Type = "demo"
	}
	if generated, err := cfg.EnsureDeviceID(); err != nil {
		log.Fatal().Err(err).Msg("device id")
	} else if generated {
		if err := cfg.Save(); err != nil {
			log.Warn().Err(err).Msg("could not save generated device id")
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("config")
	}
	s := cfg.Snapshot()
	log.DefaultLogger.Level = log.ParseLevel(s.Logging.Level)

	mainLog := log.DefaultLogger
	mainLog.Context = log.NewContext(nil).Str("module", "main").Value()
	mainLog.Info().Str("device_id", s.DeviceID).Str("provider", s.Tracking.Provider).Msg("trackagent starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		mainLog.Info().Str("signal", sig.String()).Msg("shutting down")
		cancel()
	}()

	q, err := openWithRetry(ctx, mainLog, queue.Config{Driver: s.Queue.Driver, Path: s.Queue.Path, DSN: s.Queue.DSN}, 5)
	if err != nil {
		mainLog.Fatal().Err(err).Str("driver", s.Queue.Driver).Msg("queue unavailable")
	}
	defer q.Close()

	ch, err := status.New(nil)
	if err != nil {
		mainLog.Fatal().Err(err).Msg("status channel")
	}
	ch.Subscribe("log", func(m status.Message) {
		e := mainLog.Info().Str("topic", m.Topic)
		if m.Record != nil {
			e = e.Uint64("id", m.Record.ID)
		}
		e.Msg(m.Text)
	})

	j := journal.New(journal.Config{Enabled: s.Logging.Journal, Path: s.Logging.JournalPath})
	j.Attach(ch)
	defer j.Close()

	clk := clock.Real()
	interval := cfg.Interval()

	var gpsReader gps.Reader
	switch s.GPS.Type {
	case "nmea":
		gpsReader = gps.NewNMEA(gps.NMEAConfig{PortPath: s.GPS.PortPath, BaudRate: s.GPS.BaudRate})
	default:
		gpsReader = gps.NewDemoGPS()
	}

	var cellReader cell.Reader
	switch s.Cell.Type {
	case "modem":
		cellReader = cell.NewModem(cell.ModemConfig{PortPath: s.Cell.PortPath, BaudRate: s.Cell.BaudRate})
	default:
		cellReader = cell.NewDemo()
	}

	resolver := geoloc.New(geoloc.Config{
		URL:     s.Geolocation.URL,
		APIKey:  s.Geolocation.APIKey,
		Timeout: time.Duration(s.Geolocation.TimeoutS) * time.Second,
	})

	var (
		source   provider.Source
		cellProv *provider.Cell
		fallback server.Fallback
	)
	switch s.Tracking.Provider {
	case "gps":
		source = provider.NewGPS(gpsReader, cfg, clk, interval)
	case "cell":
		cellProv = provider.NewCell(cellReader, resolver, cfg, clk, interval)
		source = cellProv
	default:
		cellProv = provider.NewCell(cellReader, resolver, cfg, clk, interval)
		h := provider.NewHybrid(provider.NewGPS(gpsReader, cfg, clk, interval), cellProv, clk, interval,
			time.Duration(s.Tracking.FixTimeoutS)*time.Second)
		h.OnSwitch = func(fb bool) {
			if fb {
				ch.Publish(status.TopicSource, "no GPS fix, using cell positioning", nil)
			} else {
				ch.Publish(status.TopicSource, "GPS fix recovered", nil)
			}
		}
		source = h
		fallback = h
	}

	probeAddr := s.Network.ProbeAddr
	if probeAddr == "" {
		if probeAddr, err = network.ProbeAddr(s.Server.URL); err != nil {
			mainLog.Fatal().Err(err).Msg("probe address")
		}
	}
	monitor := network.NewMonitor(network.TCPProbe(probeAddr, probeTimeout), clk,
		time.Duration(s.Network.PollS)*time.Second, probeTimeout)

	var hook wakelock.Hook
	if *wakeName != "" {
		hook = wakelock.Sysfs{Name: *wakeName}
	}

	opts := tracking.Options{
		Source:     source,
		Queue:      q,
		Resolver:   resolver,
		Sender:     sender.New(s.Server.URL, time.Duration(s.Server.TimeoutS)*time.Second, sender.Params(s.Server.Params)),
		Monitor:    monitor,
		Identity:   cfg,
		Clock:      clk,
		Lock:       wakelock.New(clk, wakelock.DefaultMaxHold, hook),
		Status:     ch,
		RetryDelay: time.Duration(s.Tracking.RetryDelayS) * time.Second,
	}
	if s.Tracking.CoalesceForced {
		opts.Coalesce = tracking.DropForced
	}
	ctrl := tracking.New(opts)
	if err := ctrl.Start(); err != nil {
		mainLog.Fatal().Err(err).Msg("start")
	}

	if s.Status.Enabled {
		srv := server.New(cfg, server.Deps{
			Agent:    ctrl,
			Queue:    q,
			Fallback: fallback,
			Journal:  j,
			Status:   ch,
			Web:      web.FS,
		})
		go func() {
			if err := srv.Run(ctx); err != nil {
				mainLog.Error().Err(err).Msg("status server exited")
			}
		}()
	}

	<-ctx.Done()
	ctrl.Stop()
	if cellProv != nil {
		cellProv.Close()
	}
	mainLog.Info().Msg("stopped")
}

// openWithRetry opens the queue with exponential backoff. Starts at 1s and
// doubles up to 60s; gives up after maxAttempts.
func openWithRetry(ctx context.Context, l log.Logger, cfg queue.Config, maxAttempts int) (queue.Store, error) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second

	for attempt := 1; ; attempt++ {
		q, err := queue.Open(ctx, cfg)
		if err == nil {
			l.Info().Str("driver", cfg.Driver).Int("attempt", attempt).Msg("queue open")
			return q, nil
		}
		if attempt >= maxAttempts {
			return nil, fmt.Errorf("open queue after %d attempts: %w", attempt, err)
		}
		l.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", delay).Msg("queue open failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
