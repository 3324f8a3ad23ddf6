package domain

import "time"

// Actions exposed by the in-container control agent. Every call carries
// sync=1 so the agent answers only when the action has finished.
const (
	ActionStatus      = "engine_status"
	ActionStartServer = "start_tomcat"
	ActionStopServer  = "stop_tomcat"
	ActionCheckServer = "check_uni"
	ActionBuildUpdate = "build_and_update"
	ActionBackup      = "backup"
)

// Per-action timeouts. Backup and update run database-sized jobs, hence
// the generous limits.
const (
	StatusTimeout      = 10 * time.Second
	StartServerTimeout = 30 * time.Second
	StopServerTimeout  = 60 * time.Second
	ServerReadyTimeout = 1000 * time.Second
	BackupTimeout      = 10800 * time.Second
	UpdateTimeout      = 1800 * time.Second
)

// AgentReport is the agent's engine_status payload. ExitCode is nil while
// the application server is still running.
type AgentReport struct {
	DBAddr     string `json:"db_addr"`
	ExitCode   *int   `json:"tomcat_returncode"`
	LastTask   string `json:"last_task"`
	LastError  string `json:"last_error"`
	ActiveTask string `json:"active_task"`
	Version    string `json:"uni_version"`
}

// CleanExit reports whether an exit code means the server was stopped in
// an orderly way. 143 is SIGTERM delivered through the JVM, -15 the POSIX
// encoding of the same signal.
func CleanExit(code int) bool {
	return code == 0 || code == 143 || code == -15
}

// KilledExit reports a forced kill (SIGKILL), typically the docker host
// going down hard.
func KilledExit(code int) bool {
	return code == 137
}
