package engine

type EventType string

// Event type constants
const (
	EventAutocomplete  EventType = "autocomplete"
	EventCancel        EventType = "cancel"
	EventBufferClosed  EventType = "buffer_closed"
	EventConfigChanged EventType = "config_changed"
	EventPreview       EventType = "preview"
	EventPreviewCancel EventType = "preview_cancel"
)

var eventTypeMap map[string]EventType

func init() {
	eventTypeMap = buildEventTypeMap()
}

func buildEventTypeMap() map[string]EventType {
	eventMap := make(map[string]EventType)

	allEventTypes := []EventType{
		EventAutocomplete,
		EventCancel,
		EventBufferClosed,
		EventConfigChanged,
		EventPreview,
		EventPreviewCancel,
	}

	for _, eventType := range allEventTypes {
		eventMap[string(eventType)] = eventType
	}

	return eventMap
}

// EventTypeFromString returns "" for unknown names
func EventTypeFromString(s string) EventType {
	if eventType, exists := eventTypeMap[s]; exists {
		return eventType
	}
	return ""
}

// Event is one request from the editor.
//
// Data by type: cancel carries the session id (string, "" cancels all);
// buffer_closed carries a types.DocumentID; preview and preview_cancel carry
// the int request id.
type Event struct {
	Type EventType
	Data any
}
