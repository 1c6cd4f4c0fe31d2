// Package compose wraps the docker compose CLI: argument vectors for the
// operations the orchestrator issues, a timeout-bounded command runner,
// and the run-state probe built on `docker compose ps`.
package compose

// Argument vectors for the compose operations. The container runtime is an
// opaque external command; nothing here links against a Docker SDK.

// UpArgs starts an instance's services detached.
func UpArgs() []string { return []string{"docker", "compose", "up", "-d"} }

// DownArgs stops an instance's services.
func DownArgs() []string { return []string{"docker", "compose", "down"} }

// DownVolumesArgs stops services and destroys their volumes.
func DownVolumesArgs() []string { return []string{"docker", "compose", "down", "--volumes"} }

// RestartArgs restarts an instance's services in place.
func RestartArgs() []string { return []string{"docker", "compose", "restart"} }

// PullArgs updates an instance's images.
func PullArgs() []string { return []string{"docker", "compose", "pull"} }

// PSArgs queries container state, one JSON record per line.
func PSArgs() []string { return []string{"docker", "compose", "ps", "--format", "json"} }
