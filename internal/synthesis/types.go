package synthesis

import (
	"errors"
	"time"
)

var ErrBusy = errors.New("synthesizer is already speaking")

type Callbacks struct {
	OnStart func()
	OnEnd   func()
	OnError func(error)
}

func (cb Callbacks) start() {
	if cb.OnStart != nil {
		cb.OnStart()
	}
}

func (cb Callbacks) end() {
	if cb.OnEnd != nil {
		cb.OnEnd()
	}
}

func (cb Callbacks) fail(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

type Config struct {
	// Command is looked up on PATH. Args may contain a {text} placeholder;
	// without one the text is written to the process stdin.
	Command string
	Args    []string
	Timeout time.Duration
}
