package risk

import "time"

const (
	EventTypeBlock          = "block"
	EventTypeSubnetAdvisory = "subnet_advisory"
)

// SecurityEvent is the wire shape published to the optional event stream.
// Block events are enforcement records; subnet advisories are not.
type SecurityEvent struct {
	Type      string    `json:"type"`
	Identity  string    `json:"identity,omitempty"`
	Subnet    string    `json:"subnet,omitempty"`
	Reason    string    `json:"reason"`
	Count     int       `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
