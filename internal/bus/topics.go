package bus

// Experiment lifecycle topics.
const (
	TopicExperimentCreated   = "experiment.created"
	TopicExperimentStarted   = "experiment.started"
	TopicExperimentCompleted = "experiment.completed"
	TopicExperimentGraduated = "experiment.graduated"
)

// Memory topics.
const (
	TopicMemoryCreated = "memory.created"
)

// Retention topics.
const (
	TopicRetentionSwept = "retention.swept"
)

// ExperimentCreatedEvent is published when a new experiment is registered.
type ExperimentCreatedEvent struct {
	ExperimentID string  // Experiment ID
	SandboxID    string  // Sandbox the experiment runs in
	UserID       string  // Owning user
	Kind         string  // Experiment kind (general, deployment, ...)
	Confidence   float64 // Computed confidence score
	RiskLevel    string  // low, medium, or high
}

// ExperimentStartedEvent is published when an experiment enters the running state.
type ExperimentStartedEvent struct {
	ExperimentID string // Experiment ID
}

// ExperimentCompletedEvent is published when an experiment reaches a terminal outcome.
type ExperimentCompletedEvent struct {
	ExperimentID string // Experiment ID
	SandboxID    string // Sandbox the experiment ran in
	Outcome      string // success, failure, abandoned, or timeout
	DurationMS   int64  // Reported execution duration, if any
}

// ExperimentGraduatedEvent is published when a graduation decision is recorded.
type ExperimentGraduatedEvent struct {
	ExperimentID string // Experiment ID
	Decision     string // accept or reject
	Promoted     int    // Memories promoted to the shared store
	Failed       int    // Memories that failed to promote
}

// MemoryCreatedEvent is published when an isolated memory is appended.
type MemoryCreatedEvent struct {
	MemoryID     string  // Memory ID
	ExperimentID string  // Owning experiment
	Kind         string  // Memory kind (lesson_learned, error_encounter, ...)
	Relevance    float64 // Computed relevance score
}

// RetentionSweptEvent is published after a retention sweep completes.
type RetentionSweptEvent struct {
	PurgedExperiments int64 // Experiments removed
	RetentionDays     int   // Window applied
}
