package server

import (
	"net/http"

	"github.com/smsgate/smsgate/internal/httputil"
	"github.com/smsgate/smsgate/internal/jobs"
)

// handleHealth handles GET /api/health. Degraded means the database is
// unreachable or the modem failed its last health check; a paused send
// queue is reported but does not degrade on its own (it always
// accompanies an unhealthy modem).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	database := "ok"
	if err := s.pool.Ping(r.Context()); err != nil {
		s.logger.Error("health check database ping failed", "error", err)
		database = "unreachable"
	}

	health, healthy := s.monitor.Status()
	modemStatus := map[string]any{"status": "ok"}
	if !healthy {
		modemStatus["status"] = "unavailable"
	}
	if health != nil {
		modemStatus["signal_strength"] = health.SignalStrength
		modemStatus["network_type"] = health.NetworkType
		modemStatus["connection_status"] = health.ConnectionStatus
	}

	queueStatus := "running"
	if s.queues.Paused(jobs.QueueSMSSend) {
		queueStatus = "paused"
	}

	status := "healthy"
	code := http.StatusOK
	if database != "ok" || !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	httputil.WriteJSON(w, code, map[string]any{
		"status":   status,
		"database": database,
		"modem":    modemStatus,
		"queue":    map[string]string{"sms_send": queueStatus},
	})
}
