package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/foresight/internal/database"
)

// SystemHandlers serves health and system status endpoints.
type SystemHandlers struct {
	log       zerolog.Logger
	databases []*database.DB
}

// NewSystemHandlers creates system handlers over the given databases.
func NewSystemHandlers(log zerolog.Logger, databases []*database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		databases: databases,
	}
}

// HandleHealth reports process health: database integrity plus CPU and
// memory usage. Any failing database degrades the overall status.
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	dbStatus := make(map[string]string, len(h.databases))
	for _, db := range h.databases {
		if db == nil {
			continue
		}
		if err := db.QuickCheck(r.Context()); err != nil {
			h.log.Warn().Err(err).Str("database", db.Name()).Msg("Database health check failed")
			dbStatus[db.Name()] = "unhealthy"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
		} else {
			dbStatus[db.Name()] = "healthy"
		}
	}

	cpuPercent, memPercent := h.systemStats()

	response := map[string]interface{}{
		"status":      status,
		"service":     "foresight",
		"databases":   dbStatus,
		"cpu_percent": cpuPercent,
		"mem_percent": memPercent,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpStatus)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// systemStats returns CPU and RAM usage percentages. A short sampling
// interval keeps the endpoint fast for pollers.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPercent, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPercent = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return 0, 0
	}

	cpuAvg := 0.0
	if len(cpuPercent) > 0 {
		cpuAvg = cpuPercent[0]
	}
	return cpuAvg, memStat.UsedPercent
}
