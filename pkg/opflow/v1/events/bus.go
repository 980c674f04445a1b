package events

import "time"

// EventType represents the type of an opflow engine event.
type EventType string

// Standard opflow Event Types
const (
	OperationStart       EventType = "OperationStart"
	OperationEnd         EventType = "OperationEnd"
	BatchStart           EventType = "BatchStart"           // A batch of modules begins
	BatchEnd             EventType = "BatchEnd"             // All modules of a batch returned
	ModuleStatusChanged  EventType = "ModuleStatusChanged"  // Final status set for a module
	ModuleExecutionStart EventType = "ModuleExecutionStart" // Before Module.Execute call
	ModuleExecutionEnd   EventType = "ModuleExecutionEnd"   // After Module.Execute returns
	RollbackStart        EventType = "RollbackStart"        // Abort began reverse-order rollback
	RollbackModuleFailed EventType = "RollbackModuleFailed" // A single module's rollback failed (non-fatal)
	RollbackEnd          EventType = "RollbackEnd"          // Rollback walk finished
	SecretAccessed       EventType = "SecretAccessed"       // A secret value was resolved via template func
)

// Event represents a significant occurrence within the opflow engine.
type Event struct {
	// Type categorizes the event.
	Type EventType `json:"type"`
	// Timestamp marks when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// OperationName identifies the operation context, if applicable.
	OperationName string `json:"operation_name,omitempty"`
	// ModuleID identifies the module context, if applicable.
	ModuleID string `json:"module_id,omitempty"`
	// ModuleName is the human-readable module name, if applicable.
	ModuleName string `json:"module_name,omitempty"`
	// Payload contains event-specific data such as batch indexes or final
	// statuses. Sensitive information (like secret values) MUST NOT be
	// included in the payload. Secret keys accessed might be included if
	// necessary for auditing (e.g., in SecretAccessed events).
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Bus defines the interface for publishing events within the opflow engine.
// Implementations could include logging, sending to message queues, etc.
type Bus interface {
	// Emit publishes an event to the bus.
	// Implementations should be non-blocking or handle blocking carefully
	// to avoid slowing down the engine core.
	// Sensitive information (like secret values) MUST NOT be included in the event payload.
	Emit(event Event)
}
