package plugin

// Category classifies what a plugin contributes to the host.
type Category string

const (
	// CategoryAdapter plugins contribute adapter instances via AdapterProvider.
	CategoryAdapter Category = "adapter"
	// CategoryExtension plugins hook into the host without providing adapters.
	CategoryExtension Category = "extension"
)

// Capability expresses optional privileges a plugin may request.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Category
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
