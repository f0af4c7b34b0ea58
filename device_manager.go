package farmagent

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	defaultBatteryWarning        = 20
	defaultBatteryCritical       = 5
	defaultBatteryRecoveryChecks = 3
)

// PoolConfig controls DevicePool behavior.
type PoolConfig struct {
	BatteryWarning  int
	BatteryCritical int
	// BatteryRecoveryChecks is the number of consecutive healthy probes with
	// battery above BatteryWarning needed before a battery_critical device
	// returns to idle on its own.
	BatteryRecoveryChecks int
	// RotationLimit caps task starts per device within RotationWindow; 0 disables.
	RotationLimit  int
	RotationWindow time.Duration
	Allowlist      []string
}

func (c *PoolConfig) applyDefaults() {
	if c.BatteryWarning <= 0 {
		c.BatteryWarning = defaultBatteryWarning
	}
	if c.BatteryCritical <= 0 {
		c.BatteryCritical = defaultBatteryCritical
	}
	if c.BatteryCritical > c.BatteryWarning {
		c.BatteryCritical = c.BatteryWarning
	}
	if c.BatteryRecoveryChecks <= 0 {
		c.BatteryRecoveryChecks = defaultBatteryRecoveryChecks
	}
}

// DevicePool 负责维护设备状态、健康检查与公平选择。
type DevicePool struct {
	store      DeviceStore
	capability Capability
	notifier   Notifier
	cfg        PoolConfig
	rotation   *rotationLimiter
	allowlist  deviceAllowlist
	clock      clock

	healthMu  sync.Mutex
	refreshMu sync.Mutex
}

// NewDevicePool builds a pool over the given store and capability.
func NewDevicePool(store DeviceStore, capability Capability, notifier Notifier, cfg PoolConfig) (*DevicePool, error) {
	if store == nil {
		return nil, errors.New("device pool: store is nil")
	}
	if capability == nil {
		return nil, errors.New("device pool: capability is nil")
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	cfg.applyDefaults()
	return &DevicePool{
		store:      store,
		capability: capability,
		notifier:   notifier,
		cfg:        cfg,
		rotation:   newRotationLimiter(cfg.RotationLimit, cfg.RotationWindow),
		allowlist:  buildDeviceAllowlist(cfg.Allowlist),
	}, nil
}

// RegisterDevice 拉取设备属性并登记为可调度设备。
func (p *DevicePool) RegisterDevice(ctx context.Context, id string) (*Device, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, errors.New("register device: empty id")
	}
	now := p.clock.now()
	dev, batteryOK := p.fetchAttributes(ctx, id)
	dev.Status = DeviceIdle
	if batteryOK && dev.BatteryLevel < p.cfg.BatteryCritical {
		dev.Status = DeviceBatteryCritical
		log.Warn().Str("serial", id).Int("battery", dev.BatteryLevel).Msg("device registered with critical battery")
	}
	dev.IsActive = true
	dev.LastSeen = now

	stored, err := p.store.UpsertDevice(ctx, dev)
	if err != nil {
		return nil, errors.Wrapf(err, "upsert device %s", id)
	}
	p.notifier.Publish(deviceEvent(EventDeviceAdded, stored, now))
	log.Info().
		Str("serial", id).
		Str("model", stored.Model).
		Str("status", string(stored.Status)).
		Int("battery", stored.BatteryLevel).
		Msg("device registered")
	return stored, nil
}

// fetchAttributes falls back to placeholder values when the device does not
// answer; registration itself never fails on a flaky read. The flag reports
// whether the battery level was read.
func (p *DevicePool) fetchAttributes(ctx context.Context, id string) (Device, bool) {
	dev := Device{ID: id, Model: "unknown", OSVersion: "unknown"}
	if out, err := p.capability.RunCommand(ctx, id, cmdModel); err == nil {
		if v := strings.TrimSpace(out); v != "" {
			dev.Model = v
		}
	} else {
		log.Warn().Err(err).Str("serial", id).Msg("read device model failed")
	}
	if out, err := p.capability.RunCommand(ctx, id, cmdOSVersion); err == nil {
		if v := strings.TrimSpace(out); v != "" {
			dev.OSVersion = v
		}
	}
	level, err := p.readBattery(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("serial", id).Msg("read device battery failed")
		return dev, false
	}
	dev.BatteryLevel = level
	return dev, true
}

// DeregisterDevice 将设备标记为断开并移出调度，记录保留。
func (p *DevicePool) DeregisterDevice(ctx context.Context, id string) error {
	status := DeviceDisconnected
	inactive := false
	dev, err := p.store.UpdateDevice(ctx, id, DevicePatch{Status: &status, IsActive: &inactive})
	if err != nil {
		return errors.Wrapf(err, "deregister device %s", id)
	}
	p.notifier.Publish(deviceEvent(EventDeviceRemoved, dev, p.clock.now()))
	log.Info().Str("serial", id).Msg("device marked as disconnected")
	return nil
}

// AvailableDevice returns the idle device that has waited longest, or
// ErrDeviceUnavailable. It does not claim the device.
func (p *DevicePool) AvailableDevice(ctx context.Context) (*Device, error) {
	idle, err := p.store.ListIdleDevices(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "list idle devices")
	}
	now := p.clock.now()
	for _, dev := range idle {
		if !dev.Eligible() || !p.allowlist.allows(dev.ID) {
			continue
		}
		if p.rotation.remaining(dev.ID, now) <= 0 {
			log.Debug().Str("serial", dev.ID).Msg("device skipped by rotation limit")
			continue
		}
		return dev, nil
	}
	return nil, ErrDeviceUnavailable
}

// ClaimDevice atomically moves an idle device to busy for the task.
func (p *DevicePool) ClaimDevice(ctx context.Context, id, taskID string) (*Device, error) {
	dev, err := p.store.ClaimDevice(ctx, id, taskID)
	if err != nil {
		return nil, err
	}
	now := p.clock.now()
	p.rotation.recordStart(id, now)
	p.notifier.Publish(deviceEvent(EventDeviceUpdated, dev, now))
	return dev, nil
}

// ReleaseDevice returns a busy device to idle and refreshes its last task time.
func (p *DevicePool) ReleaseDevice(ctx context.Context, id string) error {
	now := p.clock.now()
	dev, err := p.store.ReleaseDevice(ctx, id, now)
	if err != nil {
		return errors.Wrapf(err, "release device %s", id)
	}
	if dev.Status != DeviceIdle {
		log.Warn().
			Str("serial", id).
			Str("status", string(dev.Status)).
			Msg("device released but kept out of rotation")
	}
	p.notifier.Publish(deviceEvent(EventDeviceUpdated, dev, now))
	return nil
}

// UpdateStatus 持久化设备状态；切换到 idle 时刷新 LastTaskTime。
func (p *DevicePool) UpdateStatus(ctx context.Context, id string, status DeviceStatus, taskID, errMsg string) error {
	now := p.clock.now()
	patch := DevicePatch{Status: &status, LastSeen: &now}
	if taskID != "" {
		patch.CurrentTaskID = &taskID
	}
	if errMsg != "" {
		patch.ErrorMessage = &errMsg
	}
	if status == DeviceIdle {
		empty := ""
		patch.LastTaskTime = &now
		patch.CurrentTaskID = &empty
	}
	dev, err := p.store.UpdateDevice(ctx, id, patch)
	if err != nil {
		return errors.Wrapf(err, "update device %s status", id)
	}
	p.notifier.Publish(deviceEvent(EventDeviceUpdated, dev, now))
	log.Info().Str("serial", id).Str("status", string(status)).Msg("device status updated")
	return nil
}

// ResetDevice is the operator path out of battery_critical or error: it
// re-validates connectivity and returns the device to idle.
func (p *DevicePool) ResetDevice(ctx context.Context, id string) error {
	dev, err := p.store.GetDevice(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "get device %s", id)
	}
	if dev.Status == DeviceBusy {
		return errors.Errorf("device %s is busy with task %s", id, dev.CurrentTaskID)
	}
	if !p.capability.Connect(ctx, id) {
		return errors.Wrapf(ErrConnectivity, "device %s not reachable", id)
	}
	expect := dev.Status
	status := DeviceIdle
	active := true
	zero := 0
	empty := ""
	now := p.clock.now()
	updated, err := p.store.UpdateDevice(ctx, id, DevicePatch{
		ExpectStatus:  &expect,
		Status:        &status,
		IsActive:      &active,
		HealthyStreak: &zero,
		ErrorMessage:  &empty,
		LastSeen:      &now,
	})
	if err != nil {
		return errors.Wrapf(err, "reset device %s", id)
	}
	p.notifier.Publish(deviceEvent(EventDeviceUpdated, updated, now))
	log.Info().Str("serial", id).Str("previous", string(expect)).Msg("device reset to idle")
	return nil
}

// Devices lists every known device.
func (p *DevicePool) Devices(ctx context.Context) ([]*Device, error) {
	return p.store.ListDevices(ctx)
}

// Device returns one device by id.
func (p *DevicePool) Device(ctx context.Context, id string) (*Device, error) {
	return p.store.GetDevice(ctx, id)
}

// Refresh 刷新设备列表：登记新设备，标记消失的设备为断开。
func (p *DevicePool) Refresh(ctx context.Context) error {
	p.refreshMu.Lock()
	defer p.refreshMu.Unlock()

	serials, err := p.capability.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices failed")
	}
	known, err := p.store.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list known devices failed")
	}
	byID := make(map[string]*Device, len(known))
	for _, dev := range known {
		byID[dev.ID] = dev
	}

	seen := make(map[string]struct{}, len(serials))
	for _, serial := range serials {
		serial = strings.TrimSpace(serial)
		if serial == "" || !p.allowlist.allows(serial) {
			continue
		}
		seen[serial] = struct{}{}
		dev, ok := byID[serial]
		if ok && dev.IsActive && dev.Status != DeviceDisconnected {
			continue
		}
		if _, err := p.RegisterDevice(ctx, serial); err != nil {
			log.Error().Err(err).Str("serial", serial).Msg("register device failed")
		}
	}

	for id, dev := range byID {
		if _, ok := seen[id]; ok {
			continue
		}
		if !dev.IsActive || dev.Status == DeviceDisconnected {
			continue
		}
		if dev.Status == DeviceBusy {
			log.Warn().Str("serial", id).Msg("device disconnected during job, health check will remove it")
			continue
		}
		if err := p.DeregisterDevice(ctx, id); err != nil {
			log.Error().Err(err).Str("serial", id).Msg("deregister device failed")
		}
	}
	return nil
}

// HealthCheck probes every connected device. Failures on one device never
// abort the sweep.
func (p *DevicePool) HealthCheck(ctx context.Context) error {
	p.healthMu.Lock()
	defer p.healthMu.Unlock()

	devices, err := p.store.ListDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "list devices for health check")
	}
	log.Debug().Int("devices", len(devices)).Msg("device health check started")
	for _, dev := range devices {
		if dev.Status == DeviceDisconnected || !dev.IsActive {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.checkDevice(ctx, dev); err != nil {
			log.Error().Err(err).Str("serial", dev.ID).Msg("device health check failed")
		}
	}
	return nil
}

func (p *DevicePool) checkDevice(ctx context.Context, dev *Device) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health check panicked: %v", r)
		}
	}()

	if !p.capability.Connect(ctx, dev.ID) {
		log.Warn().Str("serial", dev.ID).Msg("device not responding, marking as disconnected")
		return p.DeregisterDevice(ctx, dev.ID)
	}
	level, err := p.readBattery(ctx, dev.ID)
	if err != nil {
		return err
	}
	now := p.clock.now()

	if level < p.cfg.BatteryCritical {
		return p.markBatteryCritical(ctx, dev, level, now)
	}
	if level < p.cfg.BatteryWarning {
		log.Warn().Str("serial", dev.ID).Int("battery", level).Msg("device battery low")
	}

	patch := DevicePatch{BatteryLevel: &level, LastSeen: &now}
	if dev.Status != DeviceBatteryCritical {
		_, err := p.store.UpdateDevice(ctx, dev.ID, patch)
		return err
	}

	// battery_critical recovery needs a sustained streak of healthy readings.
	streak := 0
	if level >= p.cfg.BatteryWarning {
		streak = dev.HealthyStreak + 1
	}
	expect := DeviceBatteryCritical
	patch.ExpectStatus = &expect
	patch.HealthyStreak = &streak
	if streak >= p.cfg.BatteryRecoveryChecks {
		idle := DeviceIdle
		zero := 0
		patch.Status = &idle
		patch.HealthyStreak = &zero
		patch.LastTaskTime = &now
	}
	updated, err := p.store.UpdateDevice(ctx, dev.ID, patch)
	if err != nil {
		if errors.Is(err, ErrClaimConflict) {
			return nil
		}
		return err
	}
	if updated.Status == DeviceIdle {
		log.Info().Str("serial", dev.ID).Int("battery", level).Msg("device recovered from critical battery")
		p.notifier.Publish(deviceEvent(EventDeviceUpdated, updated, now))
	}
	return nil
}

// markBatteryCritical overrides any status, busy included; the in-flight
// task keeps running and the later release leaves the device out of rotation.
func (p *DevicePool) markBatteryCritical(ctx context.Context, dev *Device, level int, now time.Time) error {
	status := DeviceBatteryCritical
	zero := 0
	updated, err := p.store.UpdateDevice(ctx, dev.ID, DevicePatch{
		Status:        &status,
		BatteryLevel:  &level,
		LastSeen:      &now,
		HealthyStreak: &zero,
	})
	if err != nil {
		return errors.Wrap(err, "mark battery critical")
	}
	if dev.Status != DeviceBatteryCritical {
		log.Error().
			Str("serial", dev.ID).
			Int("battery", level).
			Str("previous", string(dev.Status)).
			Msg("device battery critical, suspending use")
		p.notifier.Publish(deviceEvent(EventDeviceUpdated, updated, now))
	}
	return nil
}

func (p *DevicePool) readBattery(ctx context.Context, id string) (int, error) {
	out, err := p.capability.RunCommand(ctx, id, cmdBattery)
	if err != nil {
		return 0, errors.Wrap(err, "read battery")
	}
	level, ok := parseBatteryLevel(out)
	if !ok {
		return 0, errors.Errorf("unexpected battery output from %s", id)
	}
	return level, nil
}
