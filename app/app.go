// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/soothill/nextdns-profile-monitor/api"
	"github.com/soothill/nextdns-profile-monitor/config"
	"github.com/soothill/nextdns-profile-monitor/device"
	"github.com/soothill/nextdns-profile-monitor/discovery"
	"github.com/soothill/nextdns-profile-monitor/driver"
	"github.com/soothill/nextdns-profile-monitor/monitoring"
	"github.com/soothill/nextdns-profile-monitor/nextdns"
	"github.com/soothill/nextdns-profile-monitor/pkg/interfaces"
	"github.com/soothill/nextdns-profile-monitor/pkg/logger"
	"github.com/soothill/nextdns-profile-monitor/pkg/notifications"
	"github.com/soothill/nextdns-profile-monitor/storage"
	"github.com/soothill/nextdns-profile-monitor/store"
	"github.com/soothill/nextdns-profile-monitor/store/sqlite"
)

const (
	signalChannelSize    = 1
	sessionSweepInterval = time.Minute
	flushTimeout         = 10 * time.Second
	alertContextTimeout  = 5 * time.Second
)

// App wires the device manager, the NextDNS driver and the host API together.
type App struct {
	cfg        *config.Config
	configPath string
	version    string

	db          *sqlite.DB // nil with the memory store
	settings    interfaces.SettingsStore
	manager     *device.Manager
	monitor     *monitoring.ProfileMonitor
	coordinator *driver.Coordinator
	driver      *driver.ProfileDriver
	notifier    *notifications.SlackNotifier
	alerter     *notifications.DeviceAlerter
	storage     *storage.CachingStorage // nil when InfluxDB is disabled
	sessions    *api.SessionRegistry
	hub         *api.EventHub
	server      *http.Server
	advertiser  *discovery.Advertiser

	configWatcher *config.Watcher
	configChan    chan *config.Config
	unsubscribe   []func()

	shutdownOnce sync.Once
	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
}

// New creates the application and restores paired devices. Nothing is
// served until Run is called.
func New(cfg *config.Config, configPath, version string) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:        cfg,
		configPath: configPath,
		version:    version,
		ctx:        ctx,
		cancel:     cancel,
		configChan: make(chan *config.Config),
	}

	if err := a.initializeComponents(); err != nil {
		a.closeResources()
		cancel()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	a.configWatcher = config.NewWatcher(configPath, a.configChan)
	return a, nil
}

// initializeComponents builds every component in dependency order.
func (a *App) initializeComponents() error {
	devices, err := a.openStores()
	if err != nil {
		return err
	}

	a.notifier = notifications.NewSlackNotifier(a.cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	if a.cfg.InfluxDB.Enabled {
		if err := a.initializeStorage(); err != nil {
			return err
		}
	} else {
		logger.Info().Msg("InfluxDB disabled, query readings are not persisted")
	}

	client := nextdns.NewClient(nextdns.Config{
		BaseURL:         a.cfg.NextDNS.BaseURL,
		Timeout:         a.cfg.NextDNS.RequestTimeout,
		BreakerFailures: a.cfg.NextDNS.BreakerFailures,
		BreakerTimeout:  a.cfg.NextDNS.BreakerTimeout,
	})
	a.monitor = monitoring.NewProfileMonitor(a.cfg.NextDNS.PollInterval, a.cfg.NextDNS.ReadingsBuffer)
	a.manager = device.NewManager(devices)

	// Readings are only queued when something consumes them.
	var publisher interfaces.ReadingPublisher
	if a.storage != nil {
		publisher = a.monitor
	}
	poller := driver.NewPoller(client, a.settings, a.manager, publisher)
	a.driver = driver.NewProfileDriver(a.ctx, poller, a.monitor, a.manager)
	a.coordinator = driver.NewCoordinator(client, a.settings, a.cfg.NextDNS.RepairValidation())
	a.manager.Register(a.driver)

	a.alerter = notifications.NewDeviceAlerter(a.notifier)
	a.hub = api.NewEventHub(a.cfg.Server.AllowedOrigins)
	a.sessions = api.NewSessionRegistry(api.DefaultSessionTTL)
	a.unsubscribe = append(a.unsubscribe,
		a.manager.Subscribe(a.alerter.Handle),
		a.manager.Subscribe(a.hub.Handle),
	)

	if err := a.manager.Load(a.ctx); err != nil {
		return fmt.Errorf("failed to restore devices: %w", err)
	}

	a.server = a.newHTTPServer()
	return nil
}

// openStores opens the settings and device stores selected by the config.
func (a *App) openStores() (device.Store, error) {
	if a.cfg.Store.Driver != config.StoreSQLite {
		a.settings = store.NewMemorySettings()
		logger.Warn().Msg("Using in-memory store, paired devices are lost on restart")
		return store.NewMemoryDevices(), nil
	}

	key, err := a.cfg.Store.Key()
	if err != nil {
		return nil, err
	}

	db, err := sqlite.Open(a.cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.db = db

	settings, err := sqlite.NewSettingsRepo(db, key)
	if err != nil {
		return nil, fmt.Errorf("failed to open settings: %w", err)
	}
	a.settings = settings

	logger.Info().Str("path", db.Path()).Bool("encrypted", key != nil).Msg("SQLite store opened")
	return sqlite.NewDeviceRepo(db), nil
}

// initializeStorage connects InfluxDB behind the local outage cache.
func (a *App) initializeStorage() error {
	influxDB, err := storage.NewInfluxDBStorage(
		a.cfg.InfluxDB.URL,
		a.cfg.InfluxDB.Token,
		a.cfg.InfluxDB.Organization,
		a.cfg.InfluxDB.Bucket,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize InfluxDB: %w", err)
	}

	cache, err := storage.NewLocalCache(a.cfg.Cache.Directory, a.cfg.Cache.MaxSize, a.cfg.Cache.MaxAge)
	if err != nil {
		influxDB.Close()
		return fmt.Errorf("failed to initialize local cache: %w", err)
	}
	logger.Info().Str("directory", a.cfg.Cache.Directory).
		Int64("max_size_mb", a.cfg.Cache.MaxSize/(1024*1024)).
		Dur("max_age", a.cfg.Cache.MaxAge).
		Msg("Local cache initialized")

	a.storage = storage.NewCachingStorage(influxDB, cache, a.notifier, a.cfg.Cache.ReplayInterval)
	return nil
}

func (a *App) newHTTPServer() *http.Server {
	if a.cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	opts := api.Options{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		HealthRate:     a.cfg.Server.HealthRate,
		HealthBurst:    a.cfg.Server.HealthBurst,
	}
	if a.storage != nil {
		opts.Readiness = a.storage
	}
	srv := api.NewServer(a.coordinator, a.manager, a.sessions, a.hub, opts)

	return &http.Server{
		Addr:         a.cfg.Server.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}
}

// Run serves the API and blocks until a shutdown signal arrives or
// Shutdown is called.
func (a *App) Run() {
	defer a.cancel()

	a.configWatcher.Start(a.ctx)
	defer a.configWatcher.Stop()

	a.setupSignalHandler()
	a.startServer()
	a.startBackground()
	a.startConfigWatcher()
	a.startAdvertiser()

	logger.Info().Int("devices", len(a.manager.List())).Msg("NextDNS profile monitor running")

	<-a.ctx.Done()
	logger.Info().Msg("Shutting down")
	a.performCleanup()
}

// startServer starts the host API server.
func (a *App) startServer() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting host API server")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Host API server failed")
			sendFailureAlert(a.notifier, "Host API Server Failure", err)
			a.Shutdown()
		}
	}()
}

// startBackground starts the event hub, alert sender, session sweeper and
// the storage writer.
func (a *App) startBackground() {
	a.goRun(a.hub.Run)
	a.goRun(a.alerter.Run)
	a.goRun(func(ctx context.Context) { a.sessions.Run(ctx, sessionSweepInterval) })
	if a.storage != nil {
		a.goRun(func(ctx context.Context) { a.storage.ConsumeReadings(ctx, a.monitor.Readings()) })
	}
}

// sendFailureAlert notifies the operator of a fatal component failure.
func sendFailureAlert(notifier interfaces.Notifier, title string, err error) {
	if notifier == nil || !notifier.IsEnabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), alertContextTimeout)
	defer cancel()
	if notifyErr := notifier.SendAlert(ctx, notifications.SeverityDanger, "🚨 "+title, err.Error()); notifyErr != nil {
		logger.Error().Err(notifyErr).Msg("Failed to send failure alert")
	}
}

func (a *App) goRun(fn func(ctx context.Context)) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn(a.ctx)
	}()
}

// startAdvertiser announces the host API over mDNS.
func (a *App) startAdvertiser() {
	if !a.cfg.MDNS.Enabled {
		return
	}

	port, err := listenPort(a.cfg.Server.Listen)
	if err != nil {
		logger.Error().Err(err).Str("listen", a.cfg.Server.Listen).Msg("Cannot advertise host API")
		return
	}

	a.advertiser = discovery.NewAdvertiser()
	err = a.advertiser.Register(a.cfg.MDNS.Instance, a.cfg.MDNS.ServiceType, a.cfg.MDNS.Domain,
		port, discovery.TXTRecords(a.version))
	if err != nil {
		logger.Error().Err(err).Msg("mDNS registration failed")
	}
}

func listenPort(listen string) (int, error) {
	_, portStr, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.Shutdown()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// Shutdown stops the API server and device timers and makes Run return.
// It is safe to call more than once.
func (a *App) Shutdown() {
	a.shutdownOnce.Do(a.performGracefulShutdown)
}

// performGracefulShutdown handles graceful shutdown of all components
func (a *App) performGracefulShutdown() {
	logger.Info().Msg("Initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		logger.Info().Msg("HTTP server stopped")
	}

	if a.advertiser != nil {
		a.advertiser.Shutdown()
	}
	a.monitor.Stop()
	a.cancel()
}

// performCleanup flushes storage and waits for goroutines to finish
func (a *App) performCleanup() {
	a.Shutdown()

	for _, unsubscribe := range a.unsubscribe {
		unsubscribe()
	}

	if a.storage != nil {
		flushDone := make(chan struct{})
		go func() {
			a.storage.Flush()
			close(flushDone)
		}()

		select {
		case <-flushDone:
			logger.Info().Msg("InfluxDB flush completed")
		case <-time.After(flushTimeout):
			logger.Warn().Msg("InfluxDB flush timeout - some data may be lost")
		}
	}

	logger.Info().Msg("Waiting for goroutines to finish...")
	a.wg.Wait()
	a.closeResources()
	logger.Info().Msg("All goroutines finished, exiting")
}

func (a *App) closeResources() {
	if a.storage != nil {
		a.storage.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close store")
		}
	}
}

// UpdateConfig applies a reloaded configuration. Fields that cannot change
// at runtime are logged and keep their current values until restart.
func (a *App) UpdateConfig(newCfg *config.Config) {
	applied, restart := config.Changes(a.cfg, newCfg)

	a.monitor.UpdatePollInterval(newCfg.NextDNS.PollInterval)
	a.notifier.UpdateWebhookURL(newCfg.Notifications.SlackWebhookURL)
	if err := logger.SetLevel(newCfg.Logging.Level); err != nil {
		logger.Warn().Err(err).Msg("Failed to apply log level")
	}

	a.cfg.NextDNS.PollInterval = newCfg.NextDNS.PollInterval
	a.cfg.Notifications.SlackWebhookURL = newCfg.Notifications.SlackWebhookURL
	a.cfg.Logging.Level = newCfg.Logging.Level

	logger.Info().Strs("applied", applied).Dur("poll_interval", newCfg.NextDNS.PollInterval).
		Msg("Application configuration updated")
	if len(restart) > 0 {
		logger.Warn().Strs("sections", restart).Msg("Configuration changes require a restart to take effect")
	}
}

// startConfigWatcher applies configurations reloaded on SIGHUP.
func (a *App) startConfigWatcher() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-a.ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case newCfg := <-a.configChan:
				a.UpdateConfig(newCfg)
			}
		}
	}()
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	devices := a.manager.List()
	logger.Info().
		Int("paired_devices", len(devices)).
		Int("monitored_devices", a.monitor.GetMonitoredDeviceCount()).
		Int("pairing_sessions", a.sessions.Len()).
		Int("event_clients", a.hub.ClientCount()).
		Msg("Device state")

	for _, d := range devices {
		logger.Info().
			Str("device_id", d.ID).
			Str("device_name", d.Name).
			Str("profile_id", d.StoreValue(driver.StoreKeyProfileID)).
			Str("state", string(d.State)).
			Bool("is_monitoring", a.monitor.IsMonitoring(d.ID)).
			Msg("Paired device")
	}

	if a.storage != nil {
		logger.Info().Bool("influxdb_outage", a.storage.InOutage()).Msg("Storage state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}
