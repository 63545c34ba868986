package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	t.Run("StoreOperationsTotal", func(t *testing.T) {
		StoreOperationsTotal.WithLabelValues("hash_get_all", "success").Inc()
		val := testutil.ToFloat64(StoreOperationsTotal.WithLabelValues("hash_get_all", "success"))
		if val < 1 {
			t.Errorf("expected StoreOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("StoreOperationDuration", func(t *testing.T) {
		StoreOperationDuration.WithLabelValues("hash_get_all").Observe(0.01)
	})

	t.Run("ServiceOperationsTotal", func(t *testing.T) {
		ServiceOperationsTotal.WithLabelValues("join", "ok").Inc()
		val := testutil.ToFloat64(ServiceOperationsTotal.WithLabelValues("join", "ok"))
		if val < 1 {
			t.Errorf("expected ServiceOperationsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("ReaperCounters", func(t *testing.T) {
		before := testutil.ToFloat64(ReaperSweepsTotal)
		ReaperSweepsTotal.Inc()
		after := testutil.ToFloat64(ReaperSweepsTotal)
		if after != before+1 {
			t.Errorf("expected ReaperSweepsTotal to increment by 1, got %v -> %v", before, after)
		}
	})

	t.Run("BridgeEventsTotal", func(t *testing.T) {
		BridgeEventsTotal.WithLabelValues("presence:event", "delivered").Inc()
		val := testutil.ToFloat64(BridgeEventsTotal.WithLabelValues("presence:event", "delivered"))
		if val < 1 {
			t.Errorf("expected BridgeEventsTotal to be at least 1, got %v", val)
		}
	})

	t.Run("RoomMembers", func(t *testing.T) {
		RoomMembers.WithLabelValues("room-1").Set(3)
		val := testutil.ToFloat64(RoomMembers.WithLabelValues("room-1"))
		if val != 3 {
			t.Errorf("expected RoomMembers[room-1] to be 3, got %v", val)
		}
	})

	t.Run("ConnectionGauge", func(t *testing.T) {
		before := testutil.ToFloat64(ConnectionsActive)
		IncConnection()
		if testutil.ToFloat64(ConnectionsActive) != before+1 {
			t.Fatal("expected IncConnection to increment gauge")
		}
		DecConnection()
		if testutil.ToFloat64(ConnectionsActive) != before {
			t.Fatal("expected DecConnection to decrement gauge")
		}
	})
}
