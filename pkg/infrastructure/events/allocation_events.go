package events

import (
	"github.com/vsinha/batchalloc/pkg/domain/entities"
)

const (
	ReservationCommittedEvent = "reservation.committed"
	ReservationReleasedEvent  = "reservation.released"
	ReservationConsumedEvent  = "reservation.consumed"

	AllocationRejectedEvent = "allocation.rejected"

	BatchReceivedEvent      = "batch.received"
	BatchStatusChangedEvent = "batch.status_changed"
)

// AllEventTypes lists every event the engine emits
var AllEventTypes = []string{
	ReservationCommittedEvent,
	ReservationReleasedEvent,
	ReservationConsumedEvent,
	AllocationRejectedEvent,
	BatchReceivedEvent,
	BatchStatusChangedEvent,
}

type ReservationCommitted struct {
	Reservation *entities.Reservation `json:"reservation"`
	Partial     bool                  `json:"partial"`
}

type ReservationReleased struct {
	Reservation *entities.Reservation `json:"reservation"`
}

type ReservationConsumed struct {
	Reservation *entities.Reservation `json:"reservation"`
}

type AllocationRejected struct {
	Request entities.AllocationRequest `json:"request"`
	Code    string                     `json:"code"`
	Reason  string                     `json:"reason"`
}

type BatchReceived struct {
	Batch *entities.Batch `json:"batch"`
}

type BatchStatusChanged struct {
	BatchID entities.BatchID     `json:"batch_id"`
	From    entities.BatchStatus `json:"from"`
	To      entities.BatchStatus `json:"to"`
}

// ReservationStream names the stream of a reservation
func ReservationStream(id entities.ReservationID) string {
	return "reservation-" + string(id)
}

// BatchStream names the stream of a batch
func BatchStream(id entities.BatchID) string {
	return "batch-" + string(id)
}

// MaterialStream names the stream of allocation rejections for a material
func MaterialStream(id entities.MaterialID) string {
	return "material-" + string(id)
}
