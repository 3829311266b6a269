package notify

import (
	"context"

	"deploywatch.org/core/monitor/models"
)

// Broadcaster pushes a notification payload to connected dashboard
// clients. The event bus satisfies this.
type Broadcaster interface {
	Publish(topic string, payload any)
}

// TopicNotification is the bus topic dashboard deliveries go out on,
// distinct from the alert lifecycle topics the engine emits.
const TopicNotification = "notification"

// Dashboard forwards alerts to a registered broadcaster. With no
// broadcaster registered it is a no-op, not an error.
type Dashboard struct {
	settingsHolder
	broadcaster Broadcaster
}

func NewDashboard(b Broadcaster, settings models.ChannelSettings) *Dashboard {
	d := &Dashboard{broadcaster: b}
	d.Configure(settings)
	return d
}

func (d *Dashboard) Name() string { return "dashboard" }

func (d *Dashboard) Send(ctx context.Context, alert *models.Alert) error {
	if d.broadcaster == nil {
		return nil
	}
	d.broadcaster.Publish(TopicNotification, *alert)
	return nil
}
