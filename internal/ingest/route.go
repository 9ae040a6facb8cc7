package ingest

import "strings"

// Kind classifies a transport topic.
type Kind int

const (
	KindUnknown Kind = iota
	// KindReading carries water-quality telemetry.
	KindReading
	// KindStatus carries heartbeats and device status; no reading is stored.
	KindStatus
	// KindIncomplete is a known topic whose payloads cannot form a reading.
	KindIncomplete
)

func (k Kind) String() string {
	switch k {
	case KindReading:
		return "reading"
	case KindStatus:
		return "status"
	case KindIncomplete:
		return "incomplete"
	}
	return "unknown"
}

// Route is where a topic sends its messages.
type Route struct {
	Kind Kind
	// PondID is taken from legacy <farm>/<pond>/data topics.
	PondID string
}

// Resolve maps a topic to its route. The empty topic is the HTTP ingress and
// always carries readings.
func Resolve(topic string) Route {
	if topic == "" {
		return Route{Kind: KindReading}
	}
	parts := strings.Split(topic, "/")
	switch {
	case parts[0] == "sensors" && len(parts) == 2 && parts[1] == "temperature":
		return Route{Kind: KindIncomplete}
	case parts[0] == "sensors" && len(parts) >= 2 && parts[1] != "":
		return Route{Kind: KindReading}
	case parts[0] == "status" && len(parts) >= 2 && (parts[1] == "heartbeat" || parts[1] == "device"):
		return Route{Kind: KindStatus}
	case len(parts) == 3 && parts[2] == "data" && parts[1] != "":
		return Route{Kind: KindReading, PondID: parts[1]}
	}
	return Route{Kind: KindUnknown}
}
