package models

// Capability constants for policy path rules.
const (
	CapRead   = "read"
	CapWrite  = "write"
	CapDelete = "delete"
	CapSudo   = "sudo"
)

// PathRule defines what operations are allowed on a path.
type PathRule struct {
	Capabilities []string `json:"capabilities"`
}

// HasCapability returns true if the path rule grants the given capability.
func (p PathRule) HasCapability(cap string) bool {
	for _, c := range p.Capabilities {
		if c == cap || c == CapSudo {
			return true
		}
	}
	return false
}

// Policy is a named set of path-based access rules.
type Policy struct {
	Name  string              `json:"name"`
	Rules map[string]PathRule `json:"path"` // path glob → capabilities
}
