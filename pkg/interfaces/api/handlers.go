// Package api exposes the allocation engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vsinha/batchalloc/pkg/application/dto"
	"github.com/vsinha/batchalloc/pkg/domain/entities"
	apperrors "github.com/vsinha/batchalloc/pkg/errors"
	"github.com/vsinha/batchalloc/pkg/infrastructure/events"
)

// AllocationService is the engine surface served over HTTP
type AllocationService interface {
	RequestAllocation(ctx context.Context, req entities.AllocationRequest) (*dto.AllocationResult, error)
	ReleaseAllocation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error)
	ConfirmConsumption(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error)
	GetReservation(ctx context.Context, id entities.ReservationID) (*entities.Reservation, error)
	ReceiveBatch(ctx context.Context, req dto.ReceiveBatchRequest) (*entities.Batch, error)
	HoldBatch(ctx context.Context, id entities.BatchID) (*entities.Batch, error)
	UnholdBatch(ctx context.Context, id entities.BatchID) (*entities.Batch, error)
	ListBatches(ctx context.Context, materialID entities.MaterialID) ([]*entities.Batch, error)
}

// Server holds the HTTP handlers
type Server struct {
	svc         AllocationService
	defaultMode entities.AllocationMode
	history     events.EventStore
}

// ServerOption customizes a Server
type ServerOption func(*Server)

// WithHistory serves reservation history from store
func WithHistory(store events.EventStore) ServerOption {
	return func(s *Server) { s.history = store }
}

// NewServer creates handlers over svc. Requests without a mode use defaultMode.
func NewServer(svc AllocationService, defaultMode entities.AllocationMode, opts ...ServerOption) *Server {
	s := &Server{svc: svc, defaultMode: defaultMode}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Health handles GET /healthz
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RequestAllocation handles POST /api/v1/allocations.
// Rejections are reported with the status of their error code.
func (s *Server) RequestAllocation(c *gin.Context) {
	var in dto.AllocationRequestInput
	if err := c.ShouldBindJSON(&in); err != nil {
		_ = c.Error(apperrors.InvalidRequest("%v", err))
		return
	}
	req, err := in.ToRequest(s.defaultMode)
	if err != nil {
		_ = c.Error(apperrors.InvalidRequest("%v", err))
		return
	}

	result, err := s.svc.RequestAllocation(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if result.IsRejected() {
		_ = c.Error(result.Reason)
		return
	}
	c.JSON(http.StatusCreated, dto.NewAllocationResultView(result))
}

// GetReservation handles GET /api/v1/reservations/:id
func (s *Server) GetReservation(c *gin.Context) {
	res, err := s.svc.GetReservation(c.Request.Context(), entities.ReservationID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.NewReservationView(res))
}

// EventView is one entry of a reservation history
type EventView struct {
	Type      string    `json:"type"`
	Version   int       `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// GetReservationHistory handles GET /api/v1/reservations/:id/history
func (s *Server) GetReservationHistory(c *gin.Context) {
	id := entities.ReservationID(c.Param("id"))
	if s.history == nil {
		_ = c.Error(apperrors.NotFound(nil, "history of reservation %s", id))
		return
	}
	if _, err := s.svc.GetReservation(c.Request.Context(), id); err != nil {
		_ = c.Error(err)
		return
	}

	evts, err := s.history.ReadEvents(events.ReservationStream(id), 1)
	if err != nil {
		_ = c.Error(err)
		return
	}
	views := make([]EventView, 0, len(evts))
	for _, e := range evts {
		views = append(views, EventView{Type: e.Type(), Version: e.Version(), Timestamp: e.Timestamp()})
	}
	c.JSON(http.StatusOK, gin.H{"reservation_id": id, "events": views})
}

// ReleaseReservation handles POST /api/v1/reservations/:id/release
func (s *Server) ReleaseReservation(c *gin.Context) {
	s.settle(c, s.svc.ReleaseAllocation)
}

// ConsumeReservation handles POST /api/v1/reservations/:id/consume
func (s *Server) ConsumeReservation(c *gin.Context) {
	s.settle(c, s.svc.ConfirmConsumption)
}

func (s *Server) settle(c *gin.Context, fn func(context.Context, entities.ReservationID) (*entities.Reservation, error)) {
	res, err := fn(c.Request.Context(), entities.ReservationID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.NewReservationView(res))
}

// ListMaterialBatches handles GET /api/v1/materials/:id/batches
func (s *Server) ListMaterialBatches(c *gin.Context) {
	batches, err := s.svc.ListBatches(c.Request.Context(), entities.MaterialID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"batches": dto.NewBatchViews(batches)})
}

// ReceiveBatch handles POST /api/v1/batches
func (s *Server) ReceiveBatch(c *gin.Context) {
	var req dto.ReceiveBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.InvalidRequest("%v", err))
		return
	}
	b, err := s.svc.ReceiveBatch(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, dto.NewBatchView(b))
}

// HoldBatch handles POST /api/v1/batches/:id/hold
func (s *Server) HoldBatch(c *gin.Context) {
	s.hold(c, s.svc.HoldBatch)
}

// UnholdBatch handles POST /api/v1/batches/:id/unhold
func (s *Server) UnholdBatch(c *gin.Context) {
	s.hold(c, s.svc.UnholdBatch)
}

func (s *Server) hold(c *gin.Context, fn func(context.Context, entities.BatchID) (*entities.Batch, error)) {
	b, err := fn(c.Request.Context(), entities.BatchID(c.Param("id")))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, dto.NewBatchView(b))
}
