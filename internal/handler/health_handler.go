package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

const (
	serviceName = "authgate"

	healthCheckTimeout = 2 * time.Second
)

// HealthChecker は依存先の疎通確認インターフェース。*sql.DBが満たす。
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthHandler はヘルスチェックのHTTPハンドラー。
type HealthHandler struct {
	checker   HealthChecker
	version   string
	startedAt time.Time
	now       func() time.Time
}

// NewHealthHandler はHealthHandlerを生成する。checkerがnilの場合は疎通確認を省略する。
func NewHealthHandler(checker HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		checker:   checker,
		version:   version,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

type healthResponse struct {
	Status    string  `json:"status"`
	Service   string  `json:"service"`
	Timestamp string  `json:"timestamp"`
	Uptime    float64 `json:"uptime"`
	Version   string  `json:"version"`
}

// Health はサービスの稼働状態を返す。
// DBに到達できない場合は503を返す。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := healthResponse{
		Status:    "ok",
		Service:   serviceName,
		Timestamp: now.UTC().Format(time.RFC3339),
		Uptime:    now.Sub(h.startedAt).Seconds(),
		Version:   h.version,
	}

	status := http.StatusOK
	if h.checker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := h.checker.PingContext(ctx); err != nil {
			slog.Error("health check failed", slog.String("error", err.Error()))
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	writeJSON(w, status, resp)
}
