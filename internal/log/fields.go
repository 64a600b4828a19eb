package log

// Canonical field names for structured logging.
const (
	FieldComponent = "component"
	FieldEvent     = "event"

	// Bus / protocol
	FieldPeer   = "peer"
	FieldTopic  = "topic"
	FieldBroker = "broker"
	FieldReason = "reason"

	// Devices
	FieldDevice   = "device"
	FieldState    = "state"
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldPath     = "path"
	FieldSession  = "session_id"

	// Scenario
	FieldScenarioTime = "scenario_time"
	FieldEndTime      = "end_time"
	FieldEvents       = "events"

	// HTTP
	FieldRemote = "remote_addr"
	FieldRoute  = "route"
)
