package plugin

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	Kind        string
	Name        string
	Description string
	Version     string
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered State = "registered"
	StateConfigured State = "configured"
	StateStarted    State = "started"
	StateStopped    State = "stopped"
)
