package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strconv"
	"sync"
	"time"

	"nbc-viewer/internal/metrics"
)

var (
	// ErrNotConnected is returned by register operations before a camera
	// address has been verified.
	ErrNotConnected = errors.New("camera not connected")
	// ErrNoAddress means the router lookup output held no IPv4 address.
	ErrNoAddress = errors.New("camera address not found in lookup output")
	// ErrBand is returned for a band index outside 0..3.
	ErrBand = errors.New("band index out of range")
)

var (
	addressRe = regexp.MustCompile(`Address:\s+(\d+\.\d+\.\d+\.\d+)`)
	intRe     = regexp.MustCompile(`(\d+)`)
)

// Config describes how to reach the router and the camera.
type Config struct {
	Router       Endpoint
	LookupName   string
	CameraUser   string
	CameraPass   string
	CameraPort   int
	Devices      [4]int
	CheckTimeout time.Duration
	SetTimeout   time.Duration
	StreamPort   int
}

// DefaultConfig returns the stock rig settings.
func DefaultConfig() Config {
	return Config{
		Router:       Endpoint{Host: "192.168.2.1", User: "root", Password: "admin"},
		LookupName:   "qbc.lan",
		CameraUser:   "pi",
		Devices:      [4]int{0, 2, 4, 6},
		CheckTimeout: 5 * time.Second,
		SetTimeout:   3 * time.Second,
		StreamPort:   5555,
	}
}

// Register is one register readback. Valid is false when the command output
// held no integer.
type Register struct {
	Value int
	Valid bool
}

// Settings is a snapshot of all four bands' gain and exposure level.
type Settings struct {
	Gain  [4]Register
	Level [4]Register
}

// Controller issues camera commands. It holds no lock across a network call.
type Controller struct {
	cfg    Config
	dialer Dialer
	log    *slog.Logger

	mu       sync.RWMutex
	cameraIP string
}

// NewController creates a controller; dialer is usually an *SSHDialer.
func NewController(cfg Config, dialer Dialer, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{cfg: cfg, dialer: dialer, log: logger}
}

// CameraIP returns the verified camera address, or "".
func (c *Controller) CameraIP() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cameraIP
}

// SetCameraIP overrides the camera address without verification.
func (c *Controller) SetCameraIP(ip string) {
	c.mu.Lock()
	c.cameraIP = ip
	c.mu.Unlock()
}

func (c *Controller) camera() (Endpoint, error) {
	ip := c.CameraIP()
	if ip == "" {
		return Endpoint{}, ErrNotConnected
	}
	return Endpoint{Host: ip, Port: c.cfg.CameraPort, User: c.cfg.CameraUser, Password: c.cfg.CameraPass}, nil
}

// run dials ep, runs each command in order on one connection and returns
// the outputs.
func (c *Controller) run(ctx context.Context, op string, ep Endpoint, timeout time.Duration, cmds ...string) ([]string, error) {
	start := time.Now()
	outs, err := c.runOnce(ctx, ep, timeout, cmds)
	metrics.ObserveRemote(op, start, err)
	if err != nil {
		c.log.Warn("remote command failed", "op", op, "endpoint", ep.String(), "error", err)
		return nil, &TransportError{Endpoint: ep.String(), Op: op, Err: err}
	}
	c.log.Debug("remote command", "op", op, "endpoint", ep.String(), "elapsed", time.Since(start))
	return outs, nil
}

func (c *Controller) runOnce(ctx context.Context, ep Endpoint, timeout time.Duration, cmds []string) ([]string, error) {
	conn, err := c.dialer.Dial(ctx, ep, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	outs := make([]string, 0, len(cmds))
	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := conn.Run(cmd)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", cmd, err)
		}
		outs = append(outs, out)
	}
	return outs, nil
}

// Discover asks the router to resolve the camera host name and returns the
// last address in the answer.
func (c *Controller) Discover(ctx context.Context) (string, error) {
	outs, err := c.run(ctx, "discover", c.cfg.Router, c.cfg.CheckTimeout, "nslookup "+c.cfg.LookupName)
	if err != nil {
		return "", err
	}
	ip, err := ParseLastAddress(outs[0])
	if err != nil {
		return "", err
	}
	c.log.Info("camera address detected", "ip", ip)
	return ip, nil
}

// Connect verifies that the camera accepts a login, stores its address and
// returns the live-stream address this host should bind.
func (c *Controller) Connect(ctx context.Context, ip string) (string, error) {
	ep := Endpoint{Host: ip, Port: c.cfg.CameraPort, User: c.cfg.CameraUser, Password: c.cfg.CameraPass}
	if _, err := c.run(ctx, "check", ep, c.cfg.CheckTimeout); err != nil {
		return "", err
	}
	c.SetCameraIP(ip)

	lan, err := LANAddress()
	if err != nil {
		c.log.Warn("could not determine LAN address, binding all interfaces", "error", err)
		lan = "*"
	}
	addr := LiveAddress(lan, c.cfg.StreamPort)
	c.log.Info("camera connected", "ip", ip, "live", addr)
	return addr, nil
}

func (c *Controller) readAll(ctx context.Context, op, control string) ([4]Register, error) {
	var regs [4]Register
	ep, err := c.camera()
	if err != nil {
		return regs, err
	}
	cmds := make([]string, len(c.cfg.Devices))
	for i, dev := range c.cfg.Devices {
		cmds[i] = fmt.Sprintf("v4l2-ctl -d%d -C %s", dev, control)
	}
	outs, err := c.run(ctx, op, ep, c.cfg.CheckTimeout, cmds...)
	if err != nil {
		return regs, err
	}
	for i, out := range outs {
		v, ok := ParseFirstInt(out)
		regs[i] = Register{Value: v, Valid: ok}
	}
	return regs, nil
}

// ReadGains reads the gain register of every band.
func (c *Controller) ReadGains(ctx context.Context) ([4]Register, error) {
	return c.readAll(ctx, "read_gain", "gain")
}

// ReadExposureLevels reads every band's exposure register and maps each to
// the nearest table level.
func (c *Controller) ReadExposureLevels(ctx context.Context) ([4]Register, error) {
	regs, err := c.readAll(ctx, "read_exposure", "exposure_time_absolute")
	if err != nil {
		return regs, err
	}
	for i := range regs {
		if regs[i].Valid {
			regs[i].Value = LevelForAbs(regs[i].Value)
		}
	}
	return regs, nil
}

// ReadSettings reads gains then exposure levels.
func (c *Controller) ReadSettings(ctx context.Context) (Settings, error) {
	var s Settings
	var err error
	if s.Gain, err = c.ReadGains(ctx); err != nil {
		return s, err
	}
	if s.Level, err = c.ReadExposureLevels(ctx); err != nil {
		return s, err
	}
	return s, nil
}

func (c *Controller) set(ctx context.Context, op string, band int, control string, value int) error {
	if band < 0 || band >= len(c.cfg.Devices) {
		return fmt.Errorf("%w: %d", ErrBand, band)
	}
	ep, err := c.camera()
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf("v4l2-ctl -d%d -c %s=%d", c.cfg.Devices[band], control, value)
	_, err = c.run(ctx, op, ep, c.cfg.SetTimeout, cmd)
	return err
}

// SetGain writes a gain value to one band.
func (c *Controller) SetGain(ctx context.Context, band, gain int) error {
	return c.set(ctx, "set_gain", band, "gain", gain)
}

// SetExposureLevel clamps level, converts it to the register value and
// writes it to one band.
func (c *Controller) SetExposureLevel(ctx context.Context, band, level int) error {
	return c.set(ctx, "set_exposure", band, "exposure_time_absolute", AbsForLevel(level))
}

// ParseLastAddress returns the last "Address: a.b.c.d" in nslookup output.
func ParseLastAddress(out string) (string, error) {
	m := addressRe.FindAllStringSubmatch(out, -1)
	if len(m) == 0 {
		return "", ErrNoAddress
	}
	return m[len(m)-1][1], nil
}

// ParseFirstInt returns the first run of digits in out.
func ParseFirstInt(out string) (int, bool) {
	m := intRe.FindStringSubmatch(out)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// LANAddress returns the local address used to reach the internet. No
// packet is sent.
func LANAddress() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// LiveAddress builds the ZeroMQ endpoint the receiver binds.
func LiveAddress(host string, port int) string {
	return fmt.Sprintf("tcp://%s:%d", host, port)
}

// Result carries the outcome of an asynchronous command.
type Result[T any] struct {
	Value T
	Err   error
}

// Async runs fn on its own goroutine and delivers the result on a buffered
// channel, so the caller never blocks the goroutine if it stops listening.
func Async[T any](ctx context.Context, fn func(context.Context) (T, error)) <-chan Result[T] {
	ch := make(chan Result[T], 1)
	go func() {
		v, err := fn(ctx)
		ch <- Result[T]{Value: v, Err: err}
	}()
	return ch
}
