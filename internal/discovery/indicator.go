package discovery

import (
	"log/slog"
	"os"
	"strings"
	"sync"
)

// LogIndicator only logs.
type LogIndicator struct{}

func (LogIndicator) Start() { slog.Debug("pairing indicator on") }
func (LogIndicator) Stop()  { slog.Debug("pairing indicator off") }

// LEDIndicator blinks a sysfs LED, e.g. /sys/class/leds/ACT/trigger, by
// switching its trigger to "timer". Stop restores the previous trigger.
type LEDIndicator struct {
	Path string

	mx       sync.Mutex
	previous string
}

func NewLEDIndicator(path string) *LEDIndicator {
	return &LEDIndicator{Path: path}
}

func (l *LEDIndicator) Start() {
	l.mx.Lock()
	defer l.mx.Unlock()
	raw, err := os.ReadFile(l.Path)
	if err != nil {
		slog.Warn("reading led trigger", "path", l.Path, "error", err)
		return
	}
	l.previous = selectedTrigger(string(raw))
	l.write("timer")
}

func (l *LEDIndicator) Stop() {
	l.mx.Lock()
	defer l.mx.Unlock()
	if l.previous == "" {
		return
	}
	l.write(l.previous)
	l.previous = ""
}

func (l *LEDIndicator) write(trigger string) {
	if err := os.WriteFile(l.Path, []byte(trigger), 0o644); err != nil {
		slog.Warn("writing led trigger", "path", l.Path, "error", err)
	}
}

// selectedTrigger picks the bracketed entry of a sysfs trigger listing like
// "none [mmc0] timer".
func selectedTrigger(s string) string {
	for _, f := range strings.Fields(s) {
		if strings.HasPrefix(f, "[") && strings.HasSuffix(f, "]") {
			return strings.Trim(f, "[]")
		}
	}
	return strings.TrimSpace(s)
}
