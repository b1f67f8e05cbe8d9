package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/mikeyg42/motionalarm/internal/api"
	"github.com/mikeyg42/motionalarm/internal/camera"
	"github.com/mikeyg42/motionalarm/internal/config"
	"github.com/mikeyg42/motionalarm/internal/detection"
	"github.com/mikeyg42/motionalarm/internal/motion"
	"github.com/mikeyg42/motionalarm/internal/notification"
)

// Application holds all components
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	source     camera.Source
	detector   *motion.Detector
	dispatcher *notification.Dispatcher
	events     *api.EventHub
	loop       *detection.Loop
	server     *api.Server
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "motion-alarm: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", config.DefaultPath, "path to the YAML config file")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	autostart := flag.Bool("autostart", false, "start detection immediately")
	testEmail := flag.Bool("test-email", false, "send a test email and exit")
	gmailAuth := flag.Bool("gmail-auth", false, "authorize Gmail sending and store the token")
	listCameras := flag.Bool("list-cameras", false, "print the cameras mediadevices can open and exit")
	debug := flag.Bool("debug", false, "development logging")
	flag.Parse()

	if *listCameras {
		printCameras()
		return nil
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return err
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *autostart {
		cfg.AutoStart = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(*debug)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	undo := zap.ReplaceGlobals(logger)
	defer undo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *gmailAuth:
		return notification.AuthorizeGmail(ctx, cfg.Email.Gmail, logger)
	case *testEmail:
		return sendTestEmail(ctx, cfg, logger)
	}

	app, err := NewApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	// Cleanup also runs while a panic unwinds, so the camera is always released.
	defer app.Cleanup()

	return app.Run(ctx)
}

func printCameras() {
	devices := camera.ListDevices()
	if len(devices) == 0 {
		fmt.Println("No cameras found")
		return
	}
	for i, d := range devices {
		fmt.Printf("%d. %s\n   device: %s\n", i+1, d.Label, d.ID)
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func NewApplication(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Application, error) {
	source, err := camera.Open(cfg.Camera, logger)
	if err != nil {
		return nil, fmt.Errorf("open camera: %w", err)
	}

	detector, err := motion.NewDetector(cfg.Motion)
	if err != nil {
		source.Close()
		return nil, fmt.Errorf("create motion detector: %w", err)
	}

	events := api.NewEventHub(logger)
	alerters := append(buildAlerters(ctx, cfg, logger), events)
	dispatcher := notification.NewDispatcher(cfg.Alert, cfg.SystemName, logger, alerters...)

	loop := detection.NewLoop(source, detector, dispatcher, detection.Options{
		Interval:    cfg.Motion.Interval,
		Snapshot:    cfg.Alert.Snapshot,
		JPEGQuality: cfg.Stream.JPEGQuality,
		Logger:      logger,
	})

	server := api.NewServer(api.Options{
		Addr:           cfg.HTTPAddr,
		Source:         source,
		Loop:           loop,
		Alerts:         dispatcher,
		Events:         events,
		Stream:         cfg.Stream,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	return &Application{
		config:     cfg,
		logger:     logger,
		source:     source,
		detector:   detector,
		dispatcher: dispatcher,
		events:     events,
		loop:       loop,
		server:     server,
	}, nil
}

// buildAlerters returns every alerter the configuration enables. One that
// cannot be set up is logged and skipped so the alarm still runs.
func buildAlerters(ctx context.Context, cfg *config.Config, logger *zap.Logger) []notification.Alerter {
	var alerters []notification.Alerter

	if cfg.Sound.Enabled {
		sound, err := notification.NewSoundAlerter(cfg.Sound, logger)
		if err != nil {
			logger.Warn("Sound alerts disabled", zap.Error(err))
		} else {
			alerters = append(alerters, sound)
		}
	}

	email, err := newEmailAlerter(ctx, cfg, logger)
	switch {
	case err != nil:
		logger.Warn("Email alerts disabled", zap.String("transport", cfg.Email.Transport), zap.Error(err))
	case email != nil:
		alerters = append(alerters, email)
	}

	names := make([]string, 0, len(alerters))
	for _, a := range alerters {
		names = append(names, a.Name())
	}
	logger.Info("Alerters configured", zap.Strings("alerters", names))
	return alerters
}

type emailAlerter interface {
	notification.Alerter
	SendTestEmail(ctx context.Context) error
}

func newEmailAlerter(ctx context.Context, cfg *config.Config, logger *zap.Logger) (emailAlerter, error) {
	switch cfg.Email.Transport {
	case config.TransportSMTP:
		n, err := notification.NewSMTPNotifier(cfg.Email, cfg.SystemName, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	case config.TransportGmail:
		n, err := notification.NewGmailNotifier(ctx, cfg.Email, cfg.SystemName, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, nil
	}
}

func sendTestEmail(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	email, err := newEmailAlerter(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if email == nil {
		return fmt.Errorf("email transport is %q", cfg.Email.Transport)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Alert.Timeout)
	defer cancel()
	if err := email.SendTestEmail(ctx); err != nil {
		return fmt.Errorf("send test email: %w", err)
	}
	logger.Info("Test email sent", zap.String("to", cfg.Email.To))
	return nil
}

// Run serves HTTP until ctx is cancelled.
func (app *Application) Run(ctx context.Context) error {
	app.logger.Info("Motion alarm ready",
		zap.String("addr", app.config.HTTPAddr),
		zap.String("camera", app.config.Camera.Device),
		zap.Bool("autostart", app.config.AutoStart))

	if app.config.AutoStart {
		app.loop.Start()
	}
	return app.server.Run(ctx)
}

// Cleanup closes the camera, lets the loop exit and drains pending alerts.
func (app *Application) Cleanup() {
	if err := app.source.Close(); err != nil {
		app.logger.Warn("Camera close failed", zap.Error(err))
	}

	waited := make(chan struct{})
	go func() {
		app.loop.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(5 * time.Second):
		app.logger.Warn("Detection loop did not exit in time")
	}

	app.dispatcher.Close()
	app.events.Close()
	app.detector.Close()
	app.logger.Info("Shutdown complete")
}
