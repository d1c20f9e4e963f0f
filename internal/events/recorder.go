package events

// Lifecycle receives job lifecycle transitions. The journal implements it so
// the recorder can chain hub publication with durable logging.
type Lifecycle interface {
	JobStarted(id, pid int, name string, argv []string)
	JobSignaled(id int, signal string)
	JobExited(id, exitCode int)
}

// Recorder adapts the hub to the supervisor's notification interfaces so job
// lifecycle and output flow to observers. It satisfies both jobs.Recorder and
// jobs.Notifier.
type Recorder struct {
	hub  *Hub
	next Lifecycle
}

// NewRecorder wires lifecycle notifications into hub. next may be nil.
func NewRecorder(hub *Hub, next Lifecycle) *Recorder {
	return &Recorder{hub: hub, next: next}
}

func (r *Recorder) JobStarted(id, pid int, name string, argv []string) {
	r.hub.Publish(TypeJobStarted, JobEvent{ID: id, Name: name, PID: pid})
	if r.next != nil {
		r.next.JobStarted(id, pid, name, argv)
	}
}

func (r *Recorder) JobSignaled(id int, signal string) {
	r.hub.Publish(TypeJobSignaled, JobEvent{ID: id, Signal: signal})
	if r.next != nil {
		r.next.JobSignaled(id, signal)
	}
}

func (r *Recorder) JobExited(id, exitCode int) {
	r.hub.Publish(TypeJobExited, JobEvent{ID: id, ExitCode: exitCode})
	if r.next != nil {
		r.next.JobExited(id, exitCode)
	}
}

// JobActivity publishes reaped output so live observers see it as it lands.
func (r *Recorder) JobActivity(id int, name string, stdout, stderr []byte) {
	r.hub.Publish(TypeJobOutput, OutputEvent{
		ID:     id,
		Stdout: string(stdout),
		Stderr: string(stderr),
	})
}
