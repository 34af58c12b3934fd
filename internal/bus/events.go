package bus

// Extension lifecycle topics.
const (
	TopicExtensionInstalled = "extension.installed"
	TopicExtensionEnabled   = "extension.enabled"
	TopicExtensionDisabled  = "extension.disabled"
	TopicExtensionRemoved   = "extension.removed"
	TopicExtensionReloaded  = "extension.reloaded"
	TopicExtensionFaulted   = "extension.faulted"
)

// Generation pipeline topics.
const (
	TopicGenerationState     = "generation.state"
	TopicGenerationCompleted = "generation.completed"
)

// Dependency resolver topics.
const (
	TopicDependencyResolved = "dependency.resolved"
	TopicDependencyFailed   = "dependency.failed"
)

// ExtensionEvent describes a catalog change.
type ExtensionEvent struct {
	ID      string
	Version int
	Enabled bool
	Origin  string
	Error   string
}

// GenerationStateEvent is published on every pipeline transition.
type GenerationStateEvent struct {
	RequestID string
	From      string
	To        string
	Repairs   int
	Reason    string
}

// GenerationCompletedEvent is published once a request reaches a terminal state.
type GenerationCompletedEvent struct {
	RequestID   string
	ExtensionID string
	Outcome     string
	Repairs     int
	Error       string
}

// DependencyEvent reports an install outcome.
type DependencyEvent struct {
	Package  string
	Scope    string
	Attempts int
	Error    string
}
