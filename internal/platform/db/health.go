package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
	Healthy         bool   `json:"healthy"`
}

func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
		Healthy:         stat.TotalConns() > 0,
	}
}

// Check is a named dependency probe reported by the health endpoint. Checks
// marked Optional degrade the status without failing it.
type Check struct {
	Name     string
	Optional bool
	Probe    func(ctx context.Context) error
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthHandler pings the database and runs each dependency check.
func HealthHandler(pool *pgxpool.Pool, checks ...Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		body := map[string]interface{}{}
		code := http.StatusOK
		status := "healthy"

		if pool != nil {
			stats := GetPoolStats(pool)
			if err := pool.Ping(ctx); err != nil {
				stats.Healthy = false
				body["error"] = err.Error()
				code = http.StatusServiceUnavailable
				status = "unhealthy"
			}
			body["pool"] = stats
		}

		results, failed, degraded := runChecks(ctx, checks)
		if failed {
			code = http.StatusServiceUnavailable
			status = "unhealthy"
		} else if degraded && status == "healthy" {
			status = "degraded"
		}
		if len(results) > 0 {
			body["checks"] = results
		}
		body["status"] = status
		return c.JSON(code, body)
	}
}

func runChecks(ctx context.Context, checks []Check) (map[string]checkResult, bool, bool) {
	results := make(map[string]checkResult, len(checks))
	var failed, degraded bool
	for _, chk := range checks {
		if err := chk.Probe(ctx); err != nil {
			results[chk.Name] = checkResult{Status: "down", Error: err.Error()}
			if chk.Optional {
				degraded = true
			} else {
				failed = true
			}
			continue
		}
		results[chk.Name] = checkResult{Status: "up"}
	}
	return results, failed, degraded
}
