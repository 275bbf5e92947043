package agent

// Descriptor is the static record identifying and parameterizing one
// agent. It is immutable once constructed; the orchestrator hands it
// back out unchanged in listings and status snapshots.
type Descriptor struct {
	Name         string   `json:"name"`
	Role         string   `json:"role,omitempty"`
	Category     string   `json:"category,omitempty"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`

	// Dependencies lists other agent names this agent relates to.
	// Declarative metadata only: it is surfaced in status output but
	// never consulted to order or gate execution. Workflow ordering is
	// controlled exclusively by each step's DependsOn entries.
	Dependencies []string `json:"dependencies,omitempty"`

	// MaxRetries is the number of additional process attempts after a
	// failed one. Zero means a single attempt.
	MaxRetries int `json:"max_retries"`

	// TimeoutMs bounds one whole Execute call, retries included.
	// Non-positive values fall back to the default execution timeout.
	TimeoutMs int `json:"timeout_ms"`
}
