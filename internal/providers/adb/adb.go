package adb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultCommandsPerSecond = 5
	remoteScreenshotDir      = "/sdcard"
)

// Config controls the adb capability.
type Config struct {
	// CommandsPerSecond paces shell round-trips per device; 0 uses the default,
	// negative disables pacing.
	CommandsPerSecond float64
	// ScreenshotDir receives pulled screenshots.
	ScreenshotDir string
}

// Provider drives Android devices over adb through gadb.
type Provider struct {
	client gadb.Client
	cfg    Config

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

var _ farmagent.Capability = (*Provider)(nil)

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client, cfg Config) *Provider {
	if cfg.CommandsPerSecond == 0 {
		cfg.CommandsPerSecond = defaultCommandsPerSecond
	}
	if strings.TrimSpace(cfg.ScreenshotDir) == "" {
		cfg.ScreenshotDir = filepath.Join(os.TempDir(), "farmagent-screenshots")
	}
	return &Provider{client: client, cfg: cfg, limiters: make(map[string]*rate.Limiter)}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault(cfg Config) (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client, cfg), nil
}

// ListDevices returns the serials of devices adb reports online.
func (p *Provider) ListDevices(ctx context.Context) ([]string, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	serials := make([]string, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil || state != gadb.StateOnline {
			log.Debug().Str("serial", serial).Str("state", string(state)).Msg("skip adb device not online")
			continue
		}
		serials = append(serials, serial)
	}
	return serials, nil
}

// RunCommand executes a shell command; every failure wraps ErrConnectivity.
func (p *Provider) RunCommand(ctx context.Context, deviceID, command string) (string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("adb provider: empty shell command")
	}
	if err := p.pace(ctx, deviceID); err != nil {
		return "", err
	}
	dev, err := p.findDevice(deviceID)
	if err != nil {
		return "", err
	}
	out, err := dev.RunShellCommand(command)
	if err != nil {
		return "", errors.Wrapf(farmagent.ErrConnectivity, "%s: %s: %v", deviceID, command, err)
	}
	return out, nil
}

// Connect reports whether the device is online and answers a shell probe.
func (p *Provider) Connect(ctx context.Context, deviceID string) bool {
	dev, err := p.findDevice(deviceID)
	if err != nil {
		return false
	}
	if state, err := dev.State(); err != nil || state != gadb.StateOnline {
		return false
	}
	if err := p.pace(ctx, deviceID); err != nil {
		return false
	}
	out, err := dev.RunShellCommand("echo", "ok")
	return err == nil && strings.TrimSpace(out) == "ok"
}

// Screenshot captures the screen on the device, pulls it to ScreenshotDir and
// removes the remote copy. Failures wrap ErrCapture.
func (p *Provider) Screenshot(ctx context.Context, deviceID string) (string, error) {
	dev, err := p.findDevice(deviceID)
	if err != nil {
		return "", errors.Wrapf(farmagent.ErrCapture, "%v", err)
	}
	name := fmt.Sprintf("%s_%d.png", sanitize(deviceID), time.Now().UnixMilli())
	remote := remoteScreenshotDir + "/farmagent_" + name
	if _, err := p.RunCommand(ctx, deviceID, "screencap -p "+remote); err != nil {
		return "", errors.Wrapf(farmagent.ErrCapture, "screencap: %v", err)
	}
	defer func() {
		if _, err := p.RunCommand(context.WithoutCancel(ctx), deviceID, "rm -f "+remote); err != nil {
			log.Warn().Err(err).Str("serial", deviceID).Msg("remove remote screenshot failed")
		}
	}()

	if err := os.MkdirAll(p.cfg.ScreenshotDir, 0o755); err != nil {
		return "", errors.Wrapf(farmagent.ErrCapture, "create screenshot dir: %v", err)
	}
	local := filepath.Join(p.cfg.ScreenshotDir, name)
	file, err := os.Create(local)
	if err != nil {
		return "", errors.Wrapf(farmagent.ErrCapture, "create %s: %v", local, err)
	}
	defer file.Close()

	if err := dev.Pull(remote, file); err != nil {
		_ = os.Remove(local)
		return "", errors.Wrapf(farmagent.ErrCapture, "pull %s: %v", remote, err)
	}
	log.Debug().Str("serial", deviceID).Str("path", local).Msg("screenshot captured")
	return local, nil
}

func (p *Provider) findDevice(serial string) (*gadb.Device, error) {
	target := strings.TrimSpace(serial)
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrapf(farmagent.ErrConnectivity, "list adb devices: %v", err)
	}
	for _, d := range devs {
		if d != nil && strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Wrapf(farmagent.ErrConnectivity, "device %s not found", serial)
}

// pace blocks until the device's limiter admits another command.
func (p *Provider) pace(ctx context.Context, deviceID string) error {
	limiter := p.limiter(deviceID)
	if limiter == nil {
		return ctx.Err()
	}
	if err := limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "wait for adb command slot")
	}
	return nil
}

func (p *Provider) limiter(deviceID string) *rate.Limiter {
	if p.cfg.CommandsPerSecond < 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiters[deviceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.cfg.CommandsPerSecond), 1)
		p.limiters[deviceID] = l
	}
	return l
}

func sanitize(serial string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, serial)
}
