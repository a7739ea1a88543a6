package bus

import "time"

// Event represents a domain event published on the bus. Kinds are
// namespaced with a dot-separated prefix; the namespaces in use are
// conn., conversation., message., presence., notify., and session.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
