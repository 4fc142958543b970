// Package events provides event types and utilities for the Agentflow event system.
package events

// Event types for conversation runs
const (
	RunStarted     = "run.started"
	RunCompleted   = "run.completed"
	RunStopped     = "run.stopped"
	RunInterrupted = "run.interrupted"
	RunFailed      = "run.failed"
)

// Event types for graph deployments
const (
	GraphDeployed   = "graph.deployed"
	GraphUndeployed = "graph.undeployed"
	GraphReverted   = "graph.reverted"
)

// Event types for copilot generation sessions
const (
	CopilotSessionProgress  = "copilot.session.progress"
	CopilotSessionCompleted = "copilot.session.completed"
	CopilotSessionFailed    = "copilot.session.failed"
)

// SubjectCopilotSession returns the bus subject for one copilot session's events.
func SubjectCopilotSession(sessionID string) string {
	return "copilot.session." + sessionID
}

// SubjectUserNotifications returns the per-user notification subject.
func SubjectUserNotifications(userID string) string {
	return "notify.user." + userID
}
