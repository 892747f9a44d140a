package event

// Record is one decoded nDPIsrvd JSON object. Numbers are kept as
// json.Number so 64-bit ids survive a decode/encode round trip.
type Record map[string]any

// TypeField names the field carrying the event category.
const TypeField = "event_type"

// Category classifies a record and selects its filter rules and sink.
type Category int

const (
	Unknown Category = iota
	Flow
	Daemon
	Packet
	Error
)

// Categories lists every routable category.
var Categories = []Category{Flow, Daemon, Packet, Error}

var byName = map[string]Category{
	"flow":   Flow,
	"daemon": Daemon,
	"packet": Packet,
	"error":  Error,
}

// ParseCategory maps an event_type value to its Category.
func ParseCategory(s string) Category {
	return byName[s]
}

// Classify reads the event_type field. A missing or non-string field, or
// any unlisted value, is Unknown.
func Classify(r Record) Category {
	s, ok := r[TypeField].(string)
	if !ok {
		return Unknown
	}
	return ParseCategory(s)
}

func (c Category) String() string {
	switch c {
	case Flow:
		return "flow"
	case Daemon:
		return "daemon"
	case Packet:
		return "packet"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// NameField is the field holding the per-category event name, e.g.
// "flow_event_name".
func (c Category) NameField() string {
	return c.String() + "_event_name"
}
