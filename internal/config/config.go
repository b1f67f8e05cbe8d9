package config

import (
	"errors"
	"fmt"
	"net"
	"net/mail"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Camera backends
const (
	BackendGoCV         = "gocv"
	BackendMediaDevices = "mediadevices"
)

// Email transports
const (
	TransportSMTP  = "smtp"
	TransportGmail = "gmail"
	TransportNone  = "none"
)

// DefaultPath is the config file looked up when no -config flag is given.
const DefaultPath = "config.yaml"

// Config holds all application configuration
type Config struct {
	HTTPAddr   string `yaml:"http_addr"`
	SystemName string `yaml:"system_name"`
	AutoStart  bool   `yaml:"auto_start"`

	// AllowedOrigins may call the API and open the event feed from a browser.
	AllowedOrigins []string `yaml:"allowed_origins"`

	Camera CameraConfig `yaml:"camera"`
	Motion MotionConfig `yaml:"motion"`
	Alert  AlertConfig  `yaml:"alert"`
	Email  EmailConfig  `yaml:"email"`
	Sound  SoundConfig  `yaml:"sound"`
	Stream StreamConfig `yaml:"stream"`
}

type CameraConfig struct {
	Backend string `yaml:"backend"`
	// Device is a device index ("0"), a file path or a stream URL for gocv,
	// or a mediadevices DeviceID (empty picks the first camera).
	Device      string        `yaml:"device"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	FPS         float64       `yaml:"fps"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type MotionConfig struct {
	BlurSize         int           `yaml:"blur_size"`
	DiffThreshold    float32       `yaml:"diff_threshold"`
	DilateIterations int           `yaml:"dilate_iterations"`
	MinimumArea      float64       `yaml:"minimum_area"`
	Interval         time.Duration `yaml:"interval"`
}

type AlertConfig struct {
	Cooldown  time.Duration `yaml:"cooldown"`
	QueueSize int           `yaml:"queue_size"`
	Timeout   time.Duration `yaml:"timeout"`
	// Snapshot attaches a JPEG of the triggering frame to alerts.
	Snapshot bool `yaml:"snapshot"`
}

type EmailConfig struct {
	Transport  string      `yaml:"transport"`
	From       string      `yaml:"from"`
	Password   string      `yaml:"-"`
	To         string      `yaml:"to"`
	SMTPHost   string      `yaml:"smtp_host"`
	SMTPPort   int         `yaml:"smtp_port"`
	MaxRetries int         `yaml:"max_retries"`
	Gmail      GmailConfig `yaml:"gmail"`
}

type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TokenFile    string `yaml:"token_file"`
}

type SoundConfig struct {
	Enabled bool   `yaml:"enabled"`
	File    string `yaml:"file"`
	// Player overrides the platform default (afplay/aplay).
	Player string `yaml:"player"`
}

type StreamConfig struct {
	JPEGQuality int `yaml:"jpeg_quality"`
	// MaxConsecutiveFailures ends a stream after this many transient
	// capture failures in a row.
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		HTTPAddr:   ":5000",
		SystemName: "Motion Alarm",

		AllowedOrigins: []string{
			"http://localhost:3000",
			"http://127.0.0.1:3000",
		},
		Camera: CameraConfig{
			Backend:     BackendGoCV,
			Device:      "0",
			Width:       640,
			Height:      480,
			FPS:         15,
			ReadTimeout: 2 * time.Second,
		},
		Motion: MotionConfig{
			BlurSize:         21,
			DiffThreshold:    30,
			DilateIterations: 2,
			MinimumArea:      1000,
			Interval:         100 * time.Millisecond,
		},
		Alert: AlertConfig{
			Cooldown:  5 * time.Second,
			QueueSize: 4,
			Timeout:   30 * time.Second,
			Snapshot:  true,
		},
		Email: EmailConfig{
			Transport:  TransportSMTP,
			SMTPHost:   "smtp.gmail.com",
			SMTPPort:   587,
			MaxRetries: 3,
			Gmail: GmailConfig{
				TokenFile: "gmail_token.json",
			},
		},
		Sound: SoundConfig{
			Enabled: true,
			File:    "alert.wav",
		},
		Stream: StreamConfig{
			JPEGQuality:            80,
			MaxConsecutiveFailures: 50,
		},
	}
}

// Load reads a YAML file over the defaults. A missing file at DefaultPath
// is not an error; any other missing path is.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	if path == "" {
		path = DefaultPath
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays values from the environment. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("EMAIL_USER"); ok {
		c.Email.From = v
	}
	if v, ok := lookup("EMAIL_PASSWORD"); ok {
		c.Email.Password = v
	}
	if v, ok := lookup("RECIPIENT_EMAIL"); ok {
		c.Email.To = v
	}
	if v, ok := lookup("SMTP_HOST"); ok {
		c.Email.SMTPHost = v
	}
	if v, ok := lookup("SMTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SMTP_PORT: %w", err)
		}
		c.Email.SMTPPort = port
	}
	if v, ok := lookup("MOTIONALARM_ADDR"); ok {
		c.HTTPAddr = v
	}
	if v, ok := lookup("CAMERA_DEVICE"); ok {
		c.Camera.Device = v
	}
	return nil
}

// Validate checks structural validity. Missing email credentials are
// allowed: the email alerter reports them per alert instead.
func (c *Config) Validate() error {
	var errs []error

	if err := validateAddr(c.HTTPAddr); err != nil {
		errs = append(errs, fmt.Errorf("http_addr: %w", err))
	}

	switch c.Camera.Backend {
	case BackendGoCV, BackendMediaDevices:
	default:
		errs = append(errs, fmt.Errorf("camera.backend %q is not supported", c.Camera.Backend))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("camera size %dx%d must be positive", c.Camera.Width, c.Camera.Height))
	}

	if c.Motion.BlurSize <= 0 || c.Motion.BlurSize%2 == 0 {
		errs = append(errs, fmt.Errorf("motion.blur_size %d must be positive and odd", c.Motion.BlurSize))
	}
	if c.Motion.DiffThreshold <= 0 || c.Motion.DiffThreshold >= 255 {
		errs = append(errs, fmt.Errorf("motion.diff_threshold %v must be within (0, 255)", c.Motion.DiffThreshold))
	}
	if c.Motion.DilateIterations < 0 {
		errs = append(errs, errors.New("motion.dilate_iterations cannot be negative"))
	}
	if c.Motion.MinimumArea <= 0 {
		errs = append(errs, errors.New("motion.minimum_area must be positive"))
	}
	if c.Motion.Interval <= 0 {
		errs = append(errs, errors.New("motion.interval must be positive"))
	}

	if c.Alert.Cooldown < 0 {
		errs = append(errs, errors.New("alert.cooldown cannot be negative"))
	}
	if c.Alert.QueueSize <= 0 {
		errs = append(errs, errors.New("alert.queue_size must be positive"))
	}

	switch c.Email.Transport {
	case TransportSMTP, TransportGmail, TransportNone:
	default:
		errs = append(errs, fmt.Errorf("email.transport %q is not supported", c.Email.Transport))
	}
	for field, addr := range map[string]string{"email.from": c.Email.From, "email.to": c.Email.To} {
		if addr == "" {
			continue
		}
		if _, err := mail.ParseAddress(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s %q is not a valid address", field, addr))
		}
	}

	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		errs = append(errs, fmt.Errorf("stream.jpeg_quality %d must be within [1, 100]", c.Stream.JPEGQuality))
	}

	return errors.Join(errs...)
}

// validateAddr accepts host:port listen addresses with an empty, IP or
// hostname host.
func validateAddr(addr string) error {
	if addr == "" {
		return errors.New("is required")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("must be host:port: %w", err)
	}
	if host != "" && net.ParseIP(host) == nil && !isValidHostname(host) {
		return fmt.Errorf("invalid host %q", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Errorf("invalid port %q", portStr)
	}
	return nil
}

func isValidHostname(hostname string) bool {
	if len(hostname) > 253 {
		return false
	}
	for _, label := range strings.Split(hostname, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		for i, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			case r == '-' && i != 0 && i != len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}
