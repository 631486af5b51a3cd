package schema

// FilesystemMode controls file access inside a sandbox.
type FilesystemMode string

const (
	FilesystemReadOnly  FilesystemMode = "read-only"
	FilesystemReadWrite FilesystemMode = "read-write"
	FilesystemDenyAll   FilesystemMode = "deny-all"
)

// NetworkMode controls network access inside a sandbox.
type NetworkMode string

const (
	NetworkAllowlist NetworkMode = "allowlist"
	NetworkDenyAll   NetworkMode = "deny-all"
)

// ExecutionSandbox is a declared isolation policy for unsafe tools.
type ExecutionSandbox struct {
	SandboxID     string             `json:"sandbox_id" yaml:"sandbox_id"`
	Name          string             `json:"name" yaml:"name"`
	Version       string             `json:"version" yaml:"version"`
	Owner         string             `json:"owner" yaml:"owner"`
	CreatedAt     string             `json:"created_at" yaml:"created_at"`
	UpdatedAt     string             `json:"updated_at" yaml:"updated_at"`
	ExecutionLane string             `json:"execution_lane" yaml:"execution_lane"`
	Filesystem    SandboxFilesystem  `json:"filesystem" yaml:"filesystem"`
	Network       SandboxNetwork     `json:"network" yaml:"network"`
	Environment   SandboxEnvironment `json:"environment" yaml:"environment"`
	Resources     SandboxResources   `json:"resources" yaml:"resources"`
	Logging       SandboxLogging     `json:"logging" yaml:"logging"`
}

type SandboxFilesystem struct {
	Mode       FilesystemMode `json:"mode" yaml:"mode"`
	ReadPaths  []string       `json:"read_paths" yaml:"read_paths"`
	WritePaths []string       `json:"write_paths" yaml:"write_paths"`
}

type SandboxNetwork struct {
	Mode       NetworkMode `json:"mode" yaml:"mode"`
	AllowHosts []string    `json:"allow_hosts" yaml:"allow_hosts"`
	AllowPorts []int       `json:"allow_ports" yaml:"allow_ports"`
}

type SandboxEnvironment struct {
	Allowlist []string `json:"allowlist" yaml:"allowlist"`
}

type SandboxResources struct {
	CPUCores       float64 `json:"cpu_cores" yaml:"cpu_cores"`
	MemoryMB       int     `json:"memory_mb" yaml:"memory_mb"`
	TimeoutSeconds int     `json:"timeout_seconds" yaml:"timeout_seconds"`
}

type SandboxLogging struct {
	RedactPatterns []string `json:"redact_patterns" yaml:"redact_patterns"`
}
