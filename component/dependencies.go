package component

import (
	"log/slog"

	"github.com/c360/semstreams-opcua/metric"
	"github.com/c360/semstreams-opcua/natsclient"
	"github.com/c360/semstreams-opcua/types"
)

// PlatformMeta provides platform identity to components.
type PlatformMeta = types.PlatformMeta

// Dependencies is what the host hands to every component factory. Each
// field may be zero; a component that needs NATS checks NATSClient in
// Start, not in its factory, so configurations can be validated offline.
type Dependencies struct {
	NATSClient      *natsclient.Client
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Platform        PlatformMeta
}

// GetLogger returns Logger or slog.Default when none was given.
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent tags the logger with the component name.
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName)
}
