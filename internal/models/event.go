package models

// EntityKind distinguishes verification and rental streams on the hub.
type EntityKind string

const (
	EntityVerification EntityKind = "verification"
	EntityRental       EntityKind = "rental"
)

// StatusEvent is what live subscribers receive on every transition.
type StatusEvent struct {
	ID       string      `json:"id"`
	Kind     EntityKind  `json:"kind"`
	Status   string      `json:"status"`
	Terminal bool        `json:"terminal"`
	Messages []string    `json:"messages,omitempty"`
	Payload  interface{} `json:"payload,omitempty"`
}

func VerificationEvent(v *Verification) StatusEvent {
	return StatusEvent{
		ID:       v.ID,
		Kind:     EntityVerification,
		Status:   string(v.Status),
		Terminal: v.Status.Terminal(),
		Messages: v.Messages,
		Payload:  v,
	}
}

func RentalEvent(r *Rental) StatusEvent {
	return StatusEvent{
		ID:       r.ID,
		Kind:     EntityRental,
		Status:   string(r.Status),
		Terminal: r.Status.Terminal(),
		Payload:  r,
	}
}
