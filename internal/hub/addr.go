package hub

import (
	"fmt"
	"hash/fnv"
	"path/filepath"
)

const (
	wsPortBase  = 42000
	wsPortRange = 2000
)

// WSPort derives the WebSocket legacy surface's loopback port from the
// session id (spec §6.3 "port = 42000 + fnv1a(session_id) % 2000").
func WSPort(sessionID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return wsPortBase + int(h.Sum32()%wsPortRange)
}

// WSBindAddr returns the default loopback bind address for sessionID. Only
// loopback binds are accepted; callers must refuse any other configured
// address (spec §5 "Shared resources", §6.3 "Non-loopback binds refused").
func WSBindAddr(sessionID string) string {
	return fmt.Sprintf("127.0.0.1:%d", WSPort(sessionID))
}

// IsLoopbackBind reports whether addr's host is a loopback address,
// rejecting any other bind (spec §6.3 "Non-loopback binds refused").
func IsLoopbackBind(host string) bool {
	return host == "127.0.0.1" || host == "localhost" || host == "::1"
}

// UDSPath returns the pulse protocol's Unix-domain-socket path for a
// session under stateDir (spec §6.3 "UDS path:
// <state_dir>/aoc/pulse/<session_id>.sock").
func UDSPath(stateDir, sessionID string) string {
	return filepath.Join(stateDir, "aoc", "pulse", sessionID+".sock")
}

// TelemetrySnapshotPath returns the runtime snapshot path for one pane
// under a session (spec §6.3 "Runtime snapshot path:
// <state_dir>/aoc/telemetry/<session>/<pane>.json").
func TelemetrySnapshotPath(stateDir, sessionID, pane string) string {
	return filepath.Join(stateDir, "aoc", "telemetry", sessionID, pane+".json")
}
