// Package plugins provides the built-in pipeline stages: speech-to-text,
// text-to-speech, chat completion, token aggregation and voice activity
// detection. Each plugin consumes one stream and produces another; wiring
// them together is the handler's job.
package plugins

// Plugin is a pipeline stage with external resources to release.
type Plugin interface {
	// Interrupt discards buffered work, typically because the user started
	// speaking over the assistant.
	Interrupt()
	Close() error
}
