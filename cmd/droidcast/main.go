package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/prometheus/client_golang/prometheus"

	"droidcast/internal/adb"
	"droidcast/internal/events"
	"droidcast/internal/metrics"
	"droidcast/internal/protocol"
	"droidcast/internal/scrcpy"
	"droidcast/internal/session"
	"droidcast/internal/store"
	"droidcast/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	ADB struct {
		Addr string `yaml:"addr"`
	} `yaml:"adb"`
	Helper struct {
		Path    string `yaml:"path"`
		Version string `yaml:"version"`
	} `yaml:"helper"`
	Stream struct {
		MaxSize    int    `yaml:"max_size"`
		BitRate    int    `yaml:"bit_rate"`
		MaxFPS     int    `yaml:"max_fps"`
		VideoCodec string `yaml:"video_codec"`
		Audio      *bool  `yaml:"audio"`
	} `yaml:"stream"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Telegram struct {
		BotToken string   `yaml:"bot_token"`
		ChatIDs  []string `yaml:"chat_ids"`
	} `yaml:"telegram"`
	Exec struct {
		Allowlist []string `yaml:"allowlist"`
		Timeout   string   `yaml:"timeout"`
	} `yaml:"exec"`
	MacrosDir string `yaml:"macros_dir"`
}

func (c *Config) validate() error {
	if c.Helper.Path == "" {
		return fmt.Errorf("helper.path is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
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

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("droidcast starting", "version", version)

	// Load the helper build once; the deployer verifies the on-device copy
	// against it by checksum.
	artifact, err := scrcpy.LoadArtifact(cfg.Helper.Path, cfg.Helper.Version)
	if err != nil {
		logger.Error("load helper", "err", err)
		os.Exit(1)
	}
	logger.Info("helper loaded", "path", cfg.Helper.Path, "version", artifact.Version)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)

	bus := events.NewBus(logger)

	client := adb.NewClient(cfg.ADB.Addr)
	registry := adb.NewRegistry(client, db, bus, m, adb.DefaultRegistryConfig(), logger)

	deployer := scrcpy.NewDeployer(m, logger)
	manager := session.NewManager(&linkProvider{registry: registry}, deployer, artifact,
		streamDefaults(cfg), bus, m, logger)

	// A lost link tears down the session riding on it.
	registry.SetLinkLostHandler(manager.HandleLinkLost)
	registry.Start()

	devices := &deviceFacade{registry: registry}
	sessions := &sessionFacade{manager: manager}

	// Start macro engine (no-op when built with no_automation tag).
	auto, autoWebOpts := initAutomation(devices, sessions, bus, cfg, logger)

	// Start web server
	webOpts := []web.ServerOption{
		web.WithVersion(version),
		web.WithMetrics(promReg),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(registry, manager, db, bus, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // stream sockets stay open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	// Start MQTT bridge (no-op when built with no_mqtt tag).
	mqtt := initMQTT(registry, sessions, bus, cfg, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	manager.StopAll(shutdownCtx)
	registry.Stop()

	logger.Info("goodbye")
}

// linkProvider narrows the registry to what the session manager needs.
type linkProvider struct {
	registry *adb.Registry
}

func (p *linkProvider) GetOrConnect(ctx context.Context, serial string) (session.DeviceLink, error) {
	link, err := p.registry.GetOrConnect(ctx, serial)
	if err != nil {
		return nil, err
	}
	return link, nil
}

// deviceFacade addresses devices by serial for the macro engine.
type deviceFacade struct {
	registry *adb.Registry
}

func (f *deviceFacade) ListDevices() []adb.Device {
	return f.registry.ListDevices()
}

func (f *deviceFacade) Shell(ctx context.Context, serial, cmd string) (string, error) {
	link, err := f.registry.GetOrConnect(ctx, serial)
	if err != nil {
		return "", err
	}
	return link.Shell(ctx, cmd)
}

// sessionFacade exposes the session manager to command-style consumers
// (macros, MQTT) that address sessions by device serial.
type sessionFacade struct {
	manager *session.Manager
}

func (f *sessionFacade) StartSession(ctx context.Context, serial string) error {
	_, err := f.manager.Start(ctx, serial, scrcpy.Overrides{})
	return err
}

func (f *sessionFacade) StopSession(ctx context.Context, serial string) error {
	return f.manager.Stop(ctx, serial)
}

func (f *sessionFacade) Inject(serial string, ev protocol.ControlEvent) error {
	sup, err := f.manager.Get(serial)
	if err != nil {
		return err
	}
	return sup.Inject(ev)
}

// streamDefaults applies config overrides on top of the stock streaming
// parameters. They are validated on session start, not here.
func streamDefaults(cfg *Config) scrcpy.Config {
	c := scrcpy.DefaultConfig()
	if cfg.Stream.MaxSize > 0 {
		c.MaxSize = cfg.Stream.MaxSize
	}
	if cfg.Stream.BitRate > 0 {
		c.BitRate = cfg.Stream.BitRate
	}
	if cfg.Stream.MaxFPS > 0 {
		c.MaxFPS = cfg.Stream.MaxFPS
	}
	if cfg.Stream.VideoCodec != "" {
		c.VideoCodec = scrcpy.VideoCodec(cfg.Stream.VideoCodec)
	}
	if cfg.Stream.Audio != nil {
		c.Audio = *cfg.Stream.Audio
	}
	return c
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.ADB.Addr == "" {
		cfg.ADB.Addr = "127.0.0.1:5037"
	}
	if cfg.Helper.Path == "" {
		cfg.Helper.Path = "scrcpy-server.jar"
	}
	if cfg.Helper.Version == "" {
		cfg.Helper.Version = "2.4"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "droidcast.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "droidcast"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.MacrosDir == "" {
		cfg.MacrosDir = "macros"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
