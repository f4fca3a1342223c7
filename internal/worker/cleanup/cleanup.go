// Package cleanup は失効・期限切れ端末の自動削除ジョブを提供する。
// 失効または期限切れから保持期間（デフォルト30日）を超過したdevices行を
// 日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DevicePurger は端末行の削除を抽象化するインターフェース。
// *repository.PostgresSessionRepo が満たす。
type DevicePurger interface {
	PurgeDevices(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過した端末の自動削除ジョブ。
// 冪等な削除処理を保証する。
type CleanupJob struct {
	purger        DevicePurger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 端末行の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionDaysが0以下の場合はデフォルトの30日を使用する。
func NewCleanupJob(purger DevicePurger, logger *slog.Logger, retentionDays int) *CleanupJob {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	return &CleanupJob{
		purger:        purger,
		logger:        logger,
		now:           time.Now,
		RetentionDays: retentionDays,
	}
}

// Cutoff は削除対象の境界時刻を返す。
func (j *CleanupJob) Cutoff() time.Time {
	return j.now().AddDate(0, 0, -j.RetentionDays)
}

// Run は保持期間を超過した端末を削除し、削除件数を返す。
// 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	cutoff := j.Cutoff()

	deleted, err := j.purger.PurgeDevices(ctx, cutoff)
	if err != nil {
		j.logger.Error("端末クリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("端末クリーンアップの実行に失敗: %w", err)
	}

	j.logger.Info("端末クリーンアップジョブが完了しました",
		slog.Int64("deleted_count", deleted),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return deleted, nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、
// コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("端末クリーンアップスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	// 失敗はRun内でログに記録済み
	j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("端末クリーンアップスケジューラを停止しました")
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
