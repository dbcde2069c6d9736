package metrics

// Recorder defines the metrics hooks for the pool. The default implementation is a no-op
// to avoid forcing a backend choice at this stage.
type Recorder interface {
	ConnOpened()
	ConnClosed()
	ShareAccepted()
	// ShareRejected records a rejected submit by reason: "malformed",
	// "stale" (job id unknown or already swept), "low_difficulty", or
	// "duplicate".
	ShareRejected(reason string)
	// DifficultyRetargeted records a vardiff adjustment by direction, "up"
	// or "down".
	DifficultyRetargeted(direction string)
	BlockFound(network string, height int64, jobID string)
	BlockSubmitted(network string, success bool)
}

// NoopRecorder implements Recorder without emitting metrics.
type NoopRecorder struct{}

func (NoopRecorder) ConnOpened()                                           {}
func (NoopRecorder) ConnClosed()                                           {}
func (NoopRecorder) ShareAccepted()                                        {}
func (NoopRecorder) ShareRejected(reason string)                           {}
func (NoopRecorder) DifficultyRetargeted(direction string)                 {}
func (NoopRecorder) BlockFound(network string, height int64, jobID string) {}
func (NoopRecorder) BlockSubmitted(network string, success bool)           {}

// Default is the process-wide metrics sink; replace with a real implementation when ready.
var Default Recorder = NoopRecorder{}
