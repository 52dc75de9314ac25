package events

import (
	"go.uber.org/zap"
)

// AuditLogger writes every event it receives to the structured log
type AuditLogger struct {
	log *zap.Logger
}

func NewAuditLogger(log *zap.Logger) *AuditLogger {
	return &AuditLogger{log: log}
}

// SubscribeAudit attaches an AuditLogger to every event type the engine emits
func SubscribeAudit(store EventStore, log *zap.Logger) (EventHandler, error) {
	h := NewAuditLogger(log)
	if err := store.Subscribe(AllEventTypes, h); err != nil {
		return nil, err
	}
	return h, nil
}

func (a *AuditLogger) CanHandle(string) bool { return true }

func (a *AuditLogger) Handle(e Event) error {
	fields := []zap.Field{
		zap.String("event_type", e.Type()),
		zap.String("stream_id", e.StreamID()),
		zap.Int("version", e.Version()),
	}

	switch d := e.Data().(type) {
	case ReservationCommitted:
		fields = append(fields,
			zap.String("reservation_id", string(d.Reservation.ID)),
			zap.String("material_id", string(d.Reservation.MaterialID)),
			zap.String("reserved", d.Reservation.TotalReserved.String()),
			zap.Bool("partial", d.Partial),
		)
	case ReservationReleased:
		fields = append(fields, zap.String("reservation_id", string(d.Reservation.ID)))
	case ReservationConsumed:
		fields = append(fields, zap.String("reservation_id", string(d.Reservation.ID)))
	case AllocationRejected:
		fields = append(fields,
			zap.String("material_id", string(d.Request.MaterialID)),
			zap.String("code", d.Code),
		)
	case BatchReceived:
		if d.Batch != nil {
			fields = append(fields, zap.String("batch_id", string(d.Batch.ID)))
		}
	case BatchStatusChanged:
		fields = append(fields,
			zap.String("batch_id", string(d.BatchID)),
			zap.String("from", string(d.From)),
			zap.String("to", string(d.To)),
		)
	}

	a.log.Info("Audit", fields...)
	return nil
}
