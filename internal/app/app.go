package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"gryns/tower-server/internal/config"
	"gryns/tower-server/internal/enrich"
	"gryns/tower-server/internal/model"
	"gryns/tower-server/internal/mqttbroker"
	"gryns/tower-server/internal/plants"
	"gryns/tower-server/internal/resolve"
	"gryns/tower-server/internal/scan"
	"gryns/tower-server/internal/store"
	"gryns/tower-server/internal/tower"
)

// App wires together the tower services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	store    *store.Store
	plants   *plants.Index
	towers   *tower.Service
	feed     *scan.Feed
	scanner  *scan.Manager
	broker   *mqttbroker.Broker
	commands *commandBus
	upstream *scan.Upstream
	perenual *enrich.Client
	hub      *hub
	mdns     *zeroconf.Server

	// ctx outlives individual requests; scan sessions run under it.
	ctx context.Context

	scansMu sync.Mutex
	scans   map[string]*scanJob

	portPinned bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger, scans: make(map[string]*scanJob)}
}

// ListenOn pins the HTTP port, overriding any value saved through the API.
func (a *App) ListenOn(port int) {
	a.cfg.HTTPPort = port
	a.portPinned = true
}

// setup opens the store and builds every component that does not listen
// on the network.
func (a *App) setup(ctx context.Context) error {
	a.ctx = ctx

	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}
	a.applyPersistedConfig(ctx)

	if a.cfg.PlantLibrary != "" {
		a.plants, err = plants.Load(a.cfg.PlantLibrary)
	} else {
		a.plants, err = plants.Default()
	}
	if err != nil {
		return fmt.Errorf("load plant library: %w", err)
	}
	a.logger.Info("plant library loaded", "plants", a.plants.Len(), "path", a.cfg.PlantLibrary)

	resolver := resolve.New(a.logger, a.store)
	a.towers, err = tower.NewService(ctx, a.store, a.plants, resolver, a.logger)
	if err != nil {
		return err
	}

	a.hub = newHub(a.logger)
	a.towers.Subscribe(func(e tower.Event) {
		a.hub.broadcast(string(e.Type), e)
	})

	a.broker = mqttbroker.New(a.logger)
	a.broker.SetPublishHandler(a.handleMQTTPublish)
	a.commands = &commandBus{}
	a.commands.add(a.broker)

	a.feed = scan.NewFeed()
	devices := []scan.Device{
		scan.NewFeedDevice(scan.NFC, a.feed, a.cfg.NFCEnabled, a.commands),
		scan.NewFeedDevice(scan.QR, a.feed, a.cfg.QREnabled, a.commands),
	}
	a.scanner = scan.NewManager(a.logger, devices,
		scan.WithFrameInterval(a.cfg.QRFrameInterval),
		scan.WithObserver(a.scanSettled),
	)

	a.perenual = enrich.NewClient(a.cfg.PerenualBaseURL, a.cfg.PerenualAPIKey)
	return nil
}

// Keys persisted through POST /api/config.
const (
	configHTTPPort     = "http_port"
	configDefaultSlots = "default_slots"
)

// applyPersistedConfig lets values saved through the API override the
// environment. The HTTP port only takes effect here, on the next start.
func (a *App) applyPersistedConfig(ctx context.Context) {
	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Warn("failed to load persisted config", "error", err)
		return
	}
	if v, ok := persisted[configHTTPPort]; ok && !a.portPinned {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port <= 65535 {
			a.cfg.HTTPPort = port
		}
	}
	if v, ok := persisted[configDefaultSlots]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			a.cfg.DefaultSlots = config.ClampSlots(n)
		}
	}
}

func (a *App) teardown() {
	if a.scanner != nil {
		a.scanner.Close()
	}
	if a.hub != nil {
		a.hub.close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		a.teardown()
		return err
	}
	defer a.teardown()

	brokerErrCh, err := a.broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}

	if a.cfg.MQTTUpstream != "" {
		up, err := scan.ConnectUpstream(a.cfg.MQTTUpstream, "", a.feed, a.logger)
		if err != nil {
			a.logger.Error("upstream scanner broker unavailable", "broker", a.cfg.MQTTUpstream, "error", err)
		} else {
			a.upstream = up
			a.commands.add(up)
			defer up.Close()
		}
	}

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(mqttPort(a.cfg.MQTTBindAddress)); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
		defer a.stopMDNS()
	}

	httpErrCh := make(chan error, 1)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			a.scanner.Close()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			if err := a.broker.Stop(); err != nil {
				return err
			}
			a.logger.Info("mqtt broker stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				_ = a.broker.Stop()
				return err
			}
		case err, ok := <-brokerErrCh:
			if !ok {
				brokerErrCh = nil
				continue
			}
			if err != nil {
				_ = httpServer.Shutdown(context.Background())
				_ = a.broker.Stop()
				return err
			}
		}
	}
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	switch {
	case strings.HasPrefix(msg.Topic, "scanners/") && strings.HasSuffix(msg.Topic, "/reads"):
		a.handleScannerReading(ctx, msg)
	default:
		// commands and foreign topics are only forwarded
	}
}

func (a *App) handleScannerReading(ctx context.Context, msg mqttbroker.PublishMessage) {
	reading, err := scan.ParseReading(msg.Topic, msg.Payload)
	if err != nil {
		a.logger.Warn("mqtt payload decode failed", "topic", msg.Topic, "client", msg.ClientID, "error", err)
		a.recordIngestionError(ctx, msg.ClientID, msg.Topic, msg.Payload, err)
		return
	}
	if reading.Kind == scan.ReadingScan && reading.Value == "" && reading.Error == "" {
		err := fmt.Errorf("reading from %q has neither value nor error", reading.ScannerID)
		a.logger.Warn("mqtt payload validation failed", "topic", msg.Topic, "error", err)
		a.recordIngestionError(ctx, reading.ScannerID, msg.Topic, msg.Payload, err)
		return
	}

	delivered := a.feed.Publish(reading)
	a.logger.Debug("scanner reading", "technology", reading.Technology, "scanner", reading.ScannerID, "kind", reading.Kind, "sessions", delivered)
}

func (a *App) recordIngestionError(ctx context.Context, scannerID, topic string, payload []byte, cause error) {
	if a.store == nil {
		return
	}

	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		ScannerID: scannerID,
		Topic:     topic,
		Payload:   truncateString(string(payload), 4096),
		Error:     cause.Error(),
	}

	if err := a.store.InsertIngestionError(recCtx, entry); err != nil {
		a.logger.Error("failed to persist ingestion error", "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// commandBus fans scanner commands out to the local broker and, when
// configured, the upstream broker.
type commandBus struct {
	mu   sync.RWMutex
	pubs []scan.Publisher
}

func (c *commandBus) add(p scan.Publisher) {
	c.mu.Lock()
	c.pubs = append(c.pubs, p)
	c.mu.Unlock()
}

func (c *commandBus) Publish(topic string, payload []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, p := range c.pubs {
		if err := p.Publish(topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(c.pubs) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
