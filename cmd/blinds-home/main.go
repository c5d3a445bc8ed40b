package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"blinds-go-home/internal/cover"
	"blinds-go-home/internal/link"
	"blinds-go-home/internal/store"
	"blinds-go-home/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("blinds-go-home starting", "version", version)

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", "err", err)
		os.Exit(1)
	}
	logger.Info("goodbye")
}

func run(cfg *Config, logger *slog.Logger) error {
	profiles, err := cover.LoadProfileDir(cfg.ProfilesDir, logger)
	if err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	events := cover.NewEventBus(logger)
	covers := cover.NewManager(cfg.coverConfig(), db, profiles, events, logger)

	links := newLinkSet(logger)
	defer links.closeAll()

	var scanner *link.Scanner
	if cfg.BLE.Enabled {
		scanner = link.NewScanner(logger)
	}
	// The core never closes writers; the owner of the link does, once the
	// device is gone.
	unsubRemoved := events.On(cover.EventDeviceRemoved, func(e cover.Event) {
		links.close(e.DeviceID())
		addr := e.Field("address")
		if scanner != nil && addr != "" {
			scanner.Forget(addr)
		}
	})
	defer unsubRemoved()

	for _, d := range cfg.Devices {
		if err := registerStatic(covers, links, d, logger); err != nil {
			logger.Error("register static device", "id", d.ID, "port", d.Port, "err", err)
		}
	}

	auto, autoWebOpts := initAutomation(covers, cfg, logger)

	webOpts := []web.ServerOption{web.WithVersion(version)}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)
	webServer := web.NewServer(covers, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mqtt := initMQTT(covers, cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	if scanner != nil {
		g.Go(func() error {
			return scanner.Run(ctx, func(p link.Peripheral) {
				registerPeripheral(covers, links, p, logger)
			})
		})
	}

	err = g.Wait()

	auto.Stop()
	mqtt.Stop()
	webServer.Stop()
	covers.Close()
	return err
}

// registerPeripheral hands a connected BLE actuator to the manager. A
// device that cannot be registered is disconnected.
func registerPeripheral(covers *cover.Manager, links *linkSet, p link.Peripheral, logger *slog.Logger) {
	d, err := covers.Register(cover.DeviceInfo{
		Address:   p.Address,
		Name:      p.Name,
		RSSI:      p.RSSI,
		Transport: link.KindBLE,
	}, p.Writer)
	if err != nil {
		logger.Warn("register peripheral", "address", p.Address, "err", err)
		if err := p.Writer.Close(); err != nil {
			logger.Debug("disconnect peripheral", "address", p.Address, "err", err)
		}
		return
	}
	links.add(d.ID(), p.Writer)
}

func registerStatic(covers *cover.Manager, links *linkSet, sd StaticDevice, logger *slog.Logger) error {
	var (
		w link.Writer
		c io.Closer
	)
	switch sd.Transport {
	case link.KindSerial:
		sw, err := link.OpenSerial(sd.Port, sd.Baud, logger)
		if err != nil {
			return err
		}
		w, c = sw, sw
	default:
		w = link.NewLogWriter(logger)
	}

	d, err := covers.Register(cover.DeviceInfo{
		ID:        sd.deviceID(),
		Address:   sd.Port,
		Name:      sd.Name,
		Model:     sd.Model,
		Transport: sd.Transport,
	}, w)
	if err != nil {
		if c != nil {
			c.Close()
		}
		return err
	}
	if c != nil {
		links.add(d.ID(), c)
	}
	return nil
}

// linkSet owns the closable links of registered devices.
type linkSet struct {
	logger *slog.Logger
	mu     sync.Mutex
	byID   map[string]io.Closer
}

func newLinkSet(logger *slog.Logger) *linkSet {
	return &linkSet{logger: logger, byID: make(map[string]io.Closer)}
}

func (s *linkSet) add(id string, c io.Closer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = c
}

func (s *linkSet) close(id string) {
	s.mu.Lock()
	c, ok := s.byID[id]
	delete(s.byID, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		s.logger.Warn("close link", "id", id, "err", err)
	}
}

func (s *linkSet) closeAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.byID))
	for id := range s.byID {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.close(id)
	}
}
