// Package notify delivers alerts through independent channels. One
// channel failing, or being disabled, never affects the others.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"deploywatch.org/core/eventbus"
	"deploywatch.org/core/log"
	"deploywatch.org/core/monitor/models"
)

// Channel is a single notification delivery mechanism.
type Channel interface {
	Name() string
	Send(ctx context.Context, alert *models.Alert) error
	Enabled() bool
	SetEnabled(bool)
	// Configure replaces the channel's settings in place.
	Configure(models.ChannelSettings)
	Settings() models.ChannelSettings
}

// settingsHolder is the shared mutable-settings core embedded by
// every channel implementation.
type settingsHolder struct {
	mu       sync.RWMutex
	settings models.ChannelSettings
}

func (h *settingsHolder) Enabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings.Enabled
}

func (h *settingsHolder) SetEnabled(enabled bool) {
	h.mu.Lock()
	h.settings.Enabled = enabled
	h.mu.Unlock()
}

func (h *settingsHolder) Configure(s models.ChannelSettings) {
	h.mu.Lock()
	h.settings = s
	h.mu.Unlock()
}

func (h *settingsHolder) Settings() models.ChannelSettings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings
}

// Dispatcher fans alerts out to all registered channels. Channels are
// registered once at startup into a name index; reconfiguration
// replaces settings in place, never re-registers.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
	l        *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		channels: make(map[string]Channel),
		l:        log.SubLogger(logger, "notify"),
	}
}

// Register adds a channel under its name. Registering the same name
// twice replaces the previous instance; callers are expected to
// register each channel exactly once.
func (d *Dispatcher) Register(ch Channel) {
	d.mu.Lock()
	d.channels[ch.Name()] = ch
	d.mu.Unlock()
}

// Channel looks a channel up by name.
func (d *Dispatcher) Channel(name string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ch, ok := d.channels[name]
	return ch, ok
}

// Dispatch invokes every enabled channel whose severity filter admits
// the alert. Per-channel errors are logged and swallowed so one
// misbehaving sink cannot block the rest.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.Alert) {
	d.mu.RLock()
	channels := make([]Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		channels = append(channels, ch)
	}
	d.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		if !ch.Enabled() {
			continue
		}
		if min := ch.Settings().MinSeverity; min != "" && !alert.Severity.AtLeast(min) {
			continue
		}

		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if err := ch.Send(ctx, alert); err != nil {
				d.l.Error("channel delivery failed",
					"channel", ch.Name(),
					"alert", alert.ID,
					"err", err,
				)
			}
		}(ch)
	}
	wg.Wait()
}

// ApplySettings pushes per-channel settings from the monitoring
// configuration into the matching registered channels.
func (d *Dispatcher) ApplySettings(byName map[string]models.ChannelSettings) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for name, s := range byName {
		if ch, ok := d.channels[name]; ok {
			ch.Configure(s)
		}
	}
}

// Listen re-applies channel settings whenever the configuration is
// updated on the bus, until ctx is cancelled.
func (d *Dispatcher) Listen(ctx context.Context, bus *eventbus.Bus) {
	ch := bus.Subscribe(eventbus.TopicSettingsUpdated)
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if s, ok := ev.Payload.(models.Settings); ok {
				d.ApplySettings(s.Channels)
			}
		}
	}
}
