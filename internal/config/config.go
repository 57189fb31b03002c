// Package config loads the viewer settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"nbc-viewer/internal/alignment"
	"nbc-viewer/internal/camera"
)

const (
	appName       = "nbc-viewer"
	configFile    = "config.yaml"
	envConfigPath = "NBC_VIEWER_CONFIG"
)

// Config holds user-editable settings.
type Config struct {
	DataDir     string      `yaml:"data_dir"`
	Camera      Camera      `yaml:"camera"`
	Stream      Stream      `yaml:"stream"`
	Alignment   Alignment   `yaml:"alignment"`
	Calibration Calibration `yaml:"calibration"`
	Session     Session     `yaml:"session"`
	Save        Save        `yaml:"save"`
	Server      Server      `yaml:"server"`
	Logging     Logging     `yaml:"logging"`
}

// Camera configures the remote command channel.
type Camera struct {
	RouterHost     string        `yaml:"router_host"`
	RouterPort     int           `yaml:"router_port"`
	RouterUser     string        `yaml:"router_user"`
	RouterPassword string        `yaml:"router_password"`
	LookupName     string        `yaml:"lookup_name"`
	Address        string        `yaml:"address"` // fixed camera address, skips discovery
	User           string        `yaml:"user"`
	Password       string        `yaml:"password"`
	Port           int           `yaml:"port"`
	Devices        [4]int        `yaml:"devices"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
	SetTimeout     time.Duration `yaml:"set_timeout"`
	KeyFiles       []string      `yaml:"key_files,omitempty"`
	KnownHosts     string        `yaml:"known_hosts"`
}

// Stream configures the live frame channel.
type Stream struct {
	Port    int           `yaml:"port"`
	Bind    string        `yaml:"bind"` // empty: first LAN address
	Decoder string        `yaml:"decoder"`
	Idle    time.Duration `yaml:"idle"`
}

// Alignment configures feature alignment and rectification.
type Alignment struct {
	MinMatches int     `yaml:"min_matches"`
	Ratio      float64 `yaml:"ratio"`
	Threshold  float64 `yaml:"threshold"`
	Iterations int     `yaml:"iterations"`
	Confidence float64 `yaml:"confidence"`
	Seed       int64   `yaml:"seed"`
	Matcher    string  `yaml:"matcher"` // bf or hamming
	Transform  string  `yaml:"transform"`
	Rectify    bool    `yaml:"rectify"`
}

// Calibration configures how calibration constants are obtained.
type Calibration struct {
	AutoLoad    bool      `yaml:"auto_load"`
	Watch       bool      `yaml:"watch"`
	DarkNoise   []float64 `yaml:"dark_noise,omitempty"`
	RefRadiance []float64 `yaml:"reference_radiance,omitempty"`
}

// Session configures the periodic refresh.
type Session struct {
	Tick           time.Duration `yaml:"tick"`
	ExposureLevels [4]int        `yaml:"exposure_levels"`
	Model          string        `yaml:"model"`
	Features       []string      `yaml:"features,omitempty"`
	AutoClassify   bool          `yaml:"auto_classify"`
	ForceFeatures  bool          `yaml:"force_features"`
	Rasters        []string      `yaml:"rasters,omitempty"`
}

// Save configures the periodic savers.
type Save struct {
	Raw         bool   `yaml:"raw"`
	Reflectance bool   `yaml:"reflectance"`
	Raster      string `yaml:"raster"` // raster name to save, empty disables
}

// Server configures the HTTP preview.
type Server struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Logging controls verbosity and format.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the stock settings.
func Default() *Config {
	cam := camera.DefaultConfig()
	al := alignment.DefaultOptions()
	return &Config{
		DataDir: "Data",
		Camera: Camera{
			RouterHost:     cam.Router.Host,
			RouterUser:     cam.Router.User,
			RouterPassword: cam.Router.Password,
			LookupName:     cam.LookupName,
			User:           cam.CameraUser,
			Devices:        cam.Devices,
			CheckTimeout:   cam.CheckTimeout,
			SetTimeout:     cam.SetTimeout,
		},
		Stream: Stream{
			Port:    cam.StreamPort,
			Decoder: "gocv",
			Idle:    10 * time.Millisecond,
		},
		Alignment: Alignment{
			MinMatches: al.MinMatches,
			Ratio:      al.Ratio,
			Threshold:  al.Threshold,
			Iterations: al.Iterations,
			Confidence: al.Confidence,
			Seed:       al.Seed,
			Matcher:    "bf",
			Rectify:    true,
		},
		Calibration: Calibration{AutoLoad: true, Watch: true},
		Session: Session{
			Tick:           500 * time.Millisecond,
			ExposureLevels: [4]int{6, 6, 6, 6},
		},
		Server:  Server{Enabled: true, Addr: "127.0.0.1:8080"},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// DefaultPath returns ~/.config/nbc-viewer/config.yaml, or the value of
// NBC_VIEWER_CONFIG when set.
func DefaultPath() string {
	if p := os.Getenv(envConfigPath); p != "" {
		return p
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(dir, appName, configFile)
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", expanded, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", expanded, err)
	}
	return cfg, nil
}

// Write stores cfg at path, creating parent folders.
func Write(path string, cfg *Config) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o644)
}

// Validate checks values that would otherwise fail later.
func (c *Config) Validate() error {
	if err := c.AlignmentOptions().Validate(); err != nil {
		return fmt.Errorf("alignment: %w", err)
	}
	for i, l := range c.Session.ExposureLevels {
		if l < camera.MinLevel || l > camera.MaxLevel {
			return fmt.Errorf("session: exposure level %d for band %d outside %d..%d", l, i+1, camera.MinLevel, camera.MaxLevel)
		}
	}
	if c.Session.Tick <= 0 {
		return fmt.Errorf("session: tick must be positive")
	}
	if n := len(c.Calibration.DarkNoise); n != 0 && n != 4 {
		return fmt.Errorf("calibration: dark_noise needs 4 values, got %d", n)
	}
	if n := len(c.Calibration.RefRadiance); n != 0 && n != 4 {
		return fmt.Errorf("calibration: reference_radiance needs 4 values, got %d", n)
	}
	return nil
}

// AlignmentOptions converts the alignment section.
func (c *Config) AlignmentOptions() alignment.Options {
	a := c.Alignment
	return alignment.Options{
		MinMatches: a.MinMatches,
		Ratio:      a.Ratio,
		Threshold:  a.Threshold,
		Iterations: a.Iterations,
		Confidence: a.Confidence,
		Seed:       a.Seed,
	}
}

// CameraConfig converts the camera section.
func (c *Config) CameraConfig() camera.Config {
	cc := c.Camera
	return camera.Config{
		Router:       camera.Endpoint{Host: cc.RouterHost, Port: cc.RouterPort, User: cc.RouterUser, Password: cc.RouterPassword},
		LookupName:   cc.LookupName,
		CameraUser:   cc.User,
		CameraPass:   cc.Password,
		CameraPort:   cc.Port,
		Devices:      cc.Devices,
		CheckTimeout: cc.CheckTimeout,
		SetTimeout:   cc.SetTimeout,
		StreamPort:   c.Stream.Port,
	}
}

// Dialer builds the SSH dialer for the camera section. No key files means
// the usual ~/.ssh keys.
func (c *Config) Dialer() (*camera.SSHDialer, error) {
	keys := c.Camera.KeyFiles
	if len(keys) == 0 {
		keys = camera.DefaultKeyFiles()
	}
	d := &camera.SSHDialer{}
	for _, k := range keys {
		p, err := expandUser(k)
		if err != nil {
			return nil, err
		}
		d.KeyFiles = append(d.KeyFiles, p)
	}
	kh, err := expandUser(c.Camera.KnownHosts)
	if err != nil {
		return nil, err
	}
	d.KnownHosts = kh
	return d, nil
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
