package synthesis

// Synthesizer is the speech output device. Speak starts an utterance and
// returns immediately; completion is reported through the callbacks from
// another goroutine.
type Synthesizer interface {
	Speak(text string, cb Callbacks) error
	Cancel()
	IsAvailable() bool
}
