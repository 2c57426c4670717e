package synthesis

import (
	"log/slog"
	"sync"

	"github.com/eleven-am/sightline/internal/shared"
)

// Device guards the one process-wide synthesizer. Ownership is preemptive:
// the latest session to Acquire takes the device, the previous owner's
// utterance is cancelled and its later Speak calls fail.
type Device struct {
	synth Synthesizer
	log   *slog.Logger

	mu    sync.Mutex
	owner string
}

func NewDevice(synth Synthesizer, log *slog.Logger) *Device {
	if synth == nil {
		synth = Unavailable{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Device{
		synth: synth,
		log:   log.With("component", "speech-device"),
	}
}

func (d *Device) Acquire(owner string) *Lease {
	d.mu.Lock()
	previous := d.owner
	d.owner = owner
	d.mu.Unlock()

	if previous != "" && previous != owner {
		d.synth.Cancel()
		d.log.Info("speech device preempted", "previous_owner", previous, "owner", owner)
	}
	return &Lease{device: d, owner: owner}
}

func (d *Device) Owner() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.owner
}

func (d *Device) IsAvailable() bool {
	return d.synth.IsAvailable()
}

func (d *Device) release(owner string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner == owner {
		d.owner = ""
	}
}

// Lease is one session's handle on the device. It satisfies Synthesizer.
type Lease struct {
	device *Device
	owner  string
}

func (l *Lease) Speak(text string, cb Callbacks) error {
	d := l.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.owner != l.owner {
		return shared.ErrDevicePreempted
	}
	return d.synth.Speak(text, cb)
}

func (l *Lease) Cancel() {
	d := l.device
	d.mu.Lock()
	held := d.owner == l.owner
	d.mu.Unlock()
	if held {
		d.synth.Cancel()
	}
}

func (l *Lease) IsAvailable() bool {
	return l.device.IsAvailable()
}

func (l *Lease) Release() {
	l.device.release(l.owner)
}
