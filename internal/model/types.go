package model

import "time"

// Core domain types. JSON field names match the wire format clients already use.

type Area struct {
	AreaID            string             `json:"AreaID"`
	UrgencyLevel      int                `json:"UrgencyLevel"`
	RequiredResources map[string]float64 `json:"RequiredResources"`
	TimeConstraint    float64            `json:"TimeConstraint"`
}

type Truck struct {
	TruckID            string             `json:"TruckID"`
	AvailableResources map[string]float64 `json:"AvailableResources"`
	TravelTimeToArea   map[string]float64 `json:"TravelTimeToArea"`
}

// Clone returns a deep copy so callers can mutate resources without aliasing the source.
func (t Truck) Clone() Truck {
	out := Truck{TruckID: t.TruckID}
	if t.AvailableResources != nil {
		out.AvailableResources = make(map[string]float64, len(t.AvailableResources))
		for k, v := range t.AvailableResources {
			out.AvailableResources[k] = v
		}
	}
	if t.TravelTimeToArea != nil {
		out.TravelTimeToArea = make(map[string]float64, len(t.TravelTimeToArea))
		for k, v := range t.TravelTimeToArea {
			out.TravelTimeToArea[k] = v
		}
	}
	return out
}

type OutcomeStatus string

const (
	StatusDelivered   OutcomeStatus = "delivered"
	StatusUnfulfilled OutcomeStatus = "unfulfilled"
)

// Reason is the machine-readable cause of an unfulfilled outcome.
type Reason string

const (
	ReasonTimeConstraint        Reason = "time_constraint"
	ReasonInsufficientResources Reason = "insufficient_resources"
)

// Outcome is one area's result in a run: either delivered by a truck, or unfulfilled with a reason.
type Outcome struct {
	AreaID             string             `json:"AreaID"`
	Status             OutcomeStatus      `json:"Status"`
	TruckID            string             `json:"TruckID,omitempty"`
	ResourcesDelivered map[string]float64 `json:"ResourcesDelivered,omitempty"`
	Reason             Reason             `json:"Reason,omitempty"`
	Error              string             `json:"Error,omitempty"`
}

// Delivered reports whether a truck was assigned to the area.
func (o Outcome) Delivered() bool { return o.Status == StatusDelivered }

// Batch is the ordered result of one assignment run.
type Batch struct {
	RunID     string    `json:"runId"`
	Mode      string    `json:"mode"`
	CreatedAt time.Time `json:"createdAt"`
	Outcomes  []Outcome `json:"assignments"`
}

// Webhooks

type SubscriptionRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
	Secret string   `json:"secret"`
}

type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

type WebhookDelivery struct {
	ID             string     `json:"id"`
	SubscriptionID string     `json:"subscriptionId,omitempty"`
	EventType      string     `json:"eventType"`
	URL            string     `json:"url"`
	Secret         string     `json:"-"`
	Payload        []byte     `json:"-"`
	Status         string     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	ResponseCode   int        `json:"responseCode,omitempty"`
	LatencyMs      int        `json:"latencyMs,omitempty"`
}

// Delivery states
const (
	DeliveryPending   = "pending"
	DeliveryRetry     = "retry"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// Event types emitted to subscribers and stream clients
const (
	EventAssignmentsProcessed = "assignments.processed"
	EventAssignmentsCleared   = "assignments.cleared"
)
