package config

import (
	"time"

	farmagent "github.com/httprunner/FarmAgent"
	"github.com/httprunner/FarmAgent/internal/notify"
	"github.com/httprunner/FarmAgent/internal/providers/adb"
)

// Environment variable names.
const (
	EnvPollInterval          = "FARM_POLL_INTERVAL"
	EnvIdleBackoff           = "FARM_IDLE_BACKOFF"
	EnvErrorBackoff          = "FARM_ERROR_BACKOFF"
	EnvMaxConcurrentTasks    = "FARM_MAX_CONCURRENT_TASKS"
	EnvMaxFailedAttempts     = "FARM_MAX_FAILED_ATTEMPTS"
	EnvBatchSize             = "FARM_BATCH_SIZE"
	EnvTaskTimeout           = "FARM_TASK_TIMEOUT"
	EnvViewTimeMin           = "FARM_VIEW_TIME_MIN"
	EnvViewTimeMax           = "FARM_VIEW_TIME_MAX"
	EnvLikeProbability       = "FARM_LIKE_PROBABILITY"
	EnvCommentProbability    = "FARM_COMMENT_PROBABILITY"
	EnvFollowProbability     = "FARM_FOLLOW_PROBABILITY"
	EnvBatteryWarning        = "FARM_BATTERY_WARNING"
	EnvBatteryCritical       = "FARM_BATTERY_CRITICAL"
	EnvHealthCheckInterval   = "FARM_HEALTH_CHECK_INTERVAL"
	EnvRefreshInterval       = "FARM_REFRESH_INTERVAL"
	EnvCaptureScreenshots    = "FARM_CAPTURE_SCREENSHOTS"
	EnvScreenshotDir         = "FARM_SCREENSHOT_DIR"
	EnvDBPath                = "FARM_DB_PATH"
	EnvProfilesFile          = "FARM_PROFILES_FILE"
	EnvKafkaBrokers          = "FARM_KAFKA_BROKERS"
	EnvKafkaTopic            = "FARM_KAFKA_TOPIC"
	EnvRotationLimit         = "FARM_ROTATION_LIMIT"
	EnvRotationWindow        = "FARM_ROTATION_WINDOW"
	EnvAdbCommandsPerSecond  = "FARM_ADB_COMMANDS_PER_SECOND"
	EnvEventBufferSize       = "FARM_EVENT_BUFFER"
	defaultEventBufferSize   = 256
	defaultKafkaWriteTimeout = 10 * time.Second
)

// DBPath returns FARM_DB_PATH; empty means the storage default.
func DBPath() string {
	return String(EnvDBPath, "")
}

// ProfilesFile returns FARM_PROFILES_FILE.
func ProfilesFile() string {
	return String(EnvProfilesFile, "")
}

// ActionsFromEnv builds the action config: built-in profiles, overlaid by the
// profiles file, then the scalar overrides from the environment.
func ActionsFromEnv() (farmagent.ActionConfig, error) {
	base := ActionBaseFromEnv()
	return LoadActions(ProfilesFile(), base)
}

// ActionBaseFromEnv is the default action config with environment overrides
// applied; the profiles file is overlaid on top of it.
func ActionBaseFromEnv() farmagent.ActionConfig {
	cfg := farmagent.DefaultActionConfig()
	cfg.ViewTimeMin = Duration(EnvViewTimeMin, cfg.ViewTimeMin)
	cfg.ViewTimeMax = Duration(EnvViewTimeMax, cfg.ViewTimeMax)
	cfg.LikeProbability = Float(EnvLikeProbability, cfg.LikeProbability)
	cfg.CommentProbability = Float(EnvCommentProbability, cfg.CommentProbability)
	cfg.FollowProbability = Float(EnvFollowProbability, cfg.FollowProbability)
	return cfg
}

// AgentConfigFromEnv assembles the agent configuration from FARM_* variables.
// Unset values keep the component defaults.
func AgentConfigFromEnv() (farmagent.AgentConfig, error) {
	actions, err := ActionsFromEnv()
	if err != nil {
		return farmagent.AgentConfig{}, err
	}
	return farmagent.AgentConfig{
		Scheduler: farmagent.Config{
			PollInterval:       Duration(EnvPollInterval, 0),
			IdleBackoff:        Int(EnvIdleBackoff, 0),
			ErrorBackoff:       Int(EnvErrorBackoff, 0),
			MaxConcurrentTasks: Int(EnvMaxConcurrentTasks, 0),
			MaxFailedAttempts:  Int(EnvMaxFailedAttempts, 0),
			BatchSize:          Int(EnvBatchSize, 0),
			TaskTimeout:        Duration(EnvTaskTimeout, 0),
		},
		Pool: farmagent.PoolConfig{
			BatteryWarning:  Int(EnvBatteryWarning, 0),
			BatteryCritical: Int(EnvBatteryCritical, 0),
			RotationLimit:   Int(EnvRotationLimit, 0),
			RotationWindow:  Duration(EnvRotationWindow, 0),
			Allowlist:       farmagent.ParseDeviceAllowlist(String(farmagent.EnvDeviceAllowlist, "")),
		},
		Executor: farmagent.ExecutorConfig{
			Actions:            actions,
			Timings:            farmagent.DefaultTimings(),
			CaptureScreenshots: Bool(EnvCaptureScreenshots, false),
		},
		HealthCheckInterval: Duration(EnvHealthCheckInterval, 0),
		RefreshInterval:     Duration(EnvRefreshInterval, 0),
	}, nil
}

// AdbConfig returns the adb provider settings.
func AdbConfig() adb.Config {
	return adb.Config{
		CommandsPerSecond: Float(EnvAdbCommandsPerSecond, 0),
		ScreenshotDir:     String(EnvScreenshotDir, ""),
	}
}

// KafkaConfig returns the Kafka sink settings and whether the sink is enabled.
func KafkaConfig() (notify.KafkaConfig, bool) {
	brokers := Strings(EnvKafkaBrokers)
	topic := String(EnvKafkaTopic, "")
	if len(brokers) == 0 || topic == "" {
		return notify.KafkaConfig{}, false
	}
	return notify.KafkaConfig{
		Brokers:      brokers,
		Topic:        topic,
		WriteTimeout: defaultKafkaWriteTimeout,
	}, true
}

// EventBufferSize returns the notification bus queue size.
func EventBufferSize() int {
	if n := Int(EnvEventBufferSize, defaultEventBufferSize); n > 0 {
		return n
	}
	return defaultEventBufferSize
}
