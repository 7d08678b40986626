package bus

import "time"

// Plugin loader topics.
const (
	TopicPluginLoaded     = "plugin.loaded"
	TopicPluginUnloaded   = "plugin.unloaded"
	TopicPluginLoadFailed = "plugin.load_failed"
)

// Background task topics.
const (
	TopicTaskPromoted = "task.promoted"
	TopicTaskFinished = "task.finished"
	TopicTaskReaped   = "task.reaped"
)

// Configuration topics.
const (
	TopicConfigReloaded    = "config.reloaded"
	TopicBlacklistChanged  = "config.blacklist_changed"
	TopicMaintenanceToggle = "config.maintenance"
)

// PluginEvent is published when a plugin file is loaded, unloaded or fails.
type PluginEvent struct {
	Path     string
	Plugins  []string // provider names registered from the file
	Handlers int      // entries registered or removed
	Err      error
}

// TaskEvent describes a background task transition.
type TaskEvent struct {
	TaskID  string
	Plugin  string
	Handler string
	UserID  string
	GroupID string
	Age     time.Duration
	Err     error
}

// ConfigEvent is published after the live configuration changes.
type ConfigEvent struct {
	Path        string
	Fingerprint string
}
