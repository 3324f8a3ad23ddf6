package domain

// ServerStatus is the human-readable state of the application server
// inside a stand, derived from the container state and the exit code.
type ServerStatus string

const (
	ServerUnknown       ServerStatus = "unknown"
	ServerRunning       ServerStatus = "running"
	ServerStoppedClean  ServerStatus = "stopped"
	ServerStoppedKilled ServerStatus = "killed"
	ServerError         ServerStatus = "error"
)

// StandInfo is an immutable snapshot of one stand, safe to hand to the
// presentation layer while the stand itself keeps mutating.
type StandInfo struct {
	Name         string       `json:"name"`
	Running      bool         `json:"running"`
	AgentPort    string       `json:"agent_port,omitempty"`
	PublicPort   string       `json:"public_port,omitempty"`
	DBAddr       string       `json:"db_addr,omitempty"`
	ServerStatus ServerStatus `json:"server_status"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	LastTask     string       `json:"last_task,omitempty"`
	LastError    string       `json:"last_error,omitempty"`
	ActiveTask   string       `json:"active_task,omitempty"`
	Version      string       `json:"version,omitempty"`
}

// DeriveServerStatus maps a container/exit-code pair onto a ServerStatus.
// A nil exit code on a running container means the server is still up.
func DeriveServerStatus(running bool, exitCode *int) ServerStatus {
	if !running {
		return ServerUnknown
	}
	if exitCode == nil {
		return ServerRunning
	}
	switch {
	case CleanExit(*exitCode):
		return ServerStoppedClean
	case KilledExit(*exitCode):
		return ServerStoppedKilled
	default:
		return ServerError
	}
}
