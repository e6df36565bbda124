// Package cleanup はセッションの定期掃除ジョブを提供する。
// 失効済みかつ期限切れのセッションを物理削除し、有効セッション数のゲージを更新する。
// 有効なセッションや期限内のセッションは削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval は掃除ジョブのデフォルト実行間隔。
const DefaultInterval = time.Hour

// SessionSweeper はセッションの掃除と集計を抽象化するインターフェース。
// *session.Store が満たす。
type SessionSweeper interface {
	SweepExpired(ctx context.Context) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}

// CleanupJob はセッションの掃除ジョブ。
// 何度実行しても結果が変わらない冪等な処理として設計されている。
type CleanupJob struct {
	sessions SessionSweeper
	logger   *slog.Logger
	Interval time.Duration // 実行間隔（デフォルト: 1時間）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(sessions SessionSweeper, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		sessions: sessions,
		logger:   logger,
		Interval: DefaultInterval,
	}
}

// Run は掃除を1回実行する。
// 削除に失敗した場合は集計を行わずにエラーを返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.sessions.SweepExpired(ctx)
	if err != nil {
		j.logger.Error("セッション掃除ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to sweep sessions: %w", err)
	}

	activeCount, err := j.sessions.CountActive(ctx)
	if err != nil {
		j.logger.Error("有効セッション数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("failed to count active sessions: %w", err)
	}

	duration := time.Since(start)
	j.logger.Info("セッション掃除ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int64("active_count", activeCount),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降はIntervalごとに実行する。
// ctxがキャンセルされるまでブロックする。実行時のエラーはログに記録して継続する。
func (j *CleanupJob) Start(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	j.logger.Info("セッション掃除ジョブを開始します",
		slog.String("interval", interval.String()),
	)

	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッション掃除ジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
