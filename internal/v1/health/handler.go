package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/outpostlabs/presence-fabric/internal/v1/logging"
	"github.com/outpostlabs/presence-fabric/internal/v1/store"
	"go.uber.org/zap"
)

// Handler manages health check endpoints.
type Handler struct {
	storeClient *store.Client
}

// NewHandler creates a new health check handler. storeClient may be nil in
// tests that only exercise the liveness probe.
func NewHandler(storeClient *store.Client) *Handler {
	return &Handler{storeClient: storeClient}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /healthz/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /healthz/ready
// Returns 200 only if the backing store is reachable, 503 otherwise.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	storeStatus := h.checkStore(ctx)
	checks["store"] = storeStatus

	status := "ready"
	statusCode := http.StatusOK
	if storeStatus != "healthy" {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkStore verifies backing store connectivity using PING.
func (h *Handler) checkStore(ctx context.Context) string {
	if h.storeClient == nil {
		return "healthy"
	}
	if err := h.storeClient.Ping(ctx); err != nil {
		logging.Error(ctx, "store health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// MarshalJSON encodes the response with the same fields and layout as the
// default struct encoding.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
