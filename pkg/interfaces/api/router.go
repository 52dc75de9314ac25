package api

import (
	"github.com/gin-gonic/gin"
)

// NewRouter wires the middleware chain and every route
func NewRouter(s *Server) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), AccessLog(), ErrorHandler())

	router.GET("/healthz", s.Health)

	v1 := router.Group("/api/v1")
	v1.POST("/allocations", s.RequestAllocation)
	v1.GET("/reservations/:id", s.GetReservation)
	v1.GET("/reservations/:id/history", s.GetReservationHistory)
	v1.POST("/reservations/:id/release", s.ReleaseReservation)
	v1.POST("/reservations/:id/consume", s.ConsumeReservation)
	v1.GET("/materials/:id/batches", s.ListMaterialBatches)
	v1.POST("/batches", s.ReceiveBatch)
	v1.POST("/batches/:id/hold", s.HoldBatch)
	v1.POST("/batches/:id/unhold", s.UnholdBatch)

	return router
}
