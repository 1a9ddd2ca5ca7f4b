package envelope

import "strings"

// AgentID formats the enforced agent id shape `session::pane` (§3).
func AgentID(sessionID, paneID string) string {
	return sessionID + "::" + paneID
}

// SplitAgentID parses an agent id back into its session and pane parts. It
// reports ok=false if the id does not contain the "::" separator.
func SplitAgentID(agentID string) (sessionID, paneID string, ok bool) {
	idx := strings.Index(agentID, "::")
	if idx < 0 {
		return "", "", false
	}
	return agentID[:idx], agentID[idx+2:], true
}

// BelongsToSession reports whether agentID satisfies startswith(session +
// "::"), the invariant every agent id in a session must satisfy (§8 TESTABLE
// PROPERTIES).
func BelongsToSession(agentID, sessionID string) bool {
	return strings.HasPrefix(agentID, sessionID+"::")
}
