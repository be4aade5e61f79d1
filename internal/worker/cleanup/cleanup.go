// Package cleanup は古いセッションの自動失効ジョブを提供する。
// 保持期間（デフォルトはリフレッシュトークンの有効期間）を超えた有効なセッションを
// 定期的に失効させる。行は削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultRetention はセッションの既定の保持期間。
const DefaultRetention = 30 * 24 * time.Hour

// SessionRevoker は古いセッションを一括失効させるインターフェース。
// repository.SessionRepositoryが実装する。
type SessionRevoker interface {
	RevokeStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// ExpiryRecorder は失効件数のメトリクス記録インターフェース。
type ExpiryRecorder interface {
	RecordSessionsExpired(count int64)
}

// CleanupJob は保持期間を超えたセッションの失効ジョブ。
// 冪等であり、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions  SessionRevoker
	recorder  ExpiryRecorder
	logger    *slog.Logger
	now       func() time.Time
	Retention time.Duration // セッションの保持期間
}

// NewCleanupJob は新しいCleanupJobを生成する。
// retentionが0以下の場合はDefaultRetentionを使う。recorderはnilでもよい。
func NewCleanupJob(sessions SessionRevoker, recorder ExpiryRecorder, logger *slog.Logger, retention time.Duration) *CleanupJob {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions:  sessions,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
		Retention: retention,
	}
}

// Run はcreated_atが保持期間より古い有効なセッションを失効させる。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().Add(-j.Retention)

	revokedCount, err := j.sessions.RevokeStale(ctx, cutoff)
	if err != nil {
		j.logger.Error("セッションクリーンアップジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Duration("retention", j.Retention),
		)
		return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
	}

	if j.recorder != nil && revokedCount > 0 {
		j.recorder.RecordSessionsExpired(revokedCount)
	}

	duration := time.Since(start)
	j.logger.Info("セッションクリーンアップジョブが完了しました",
		slog.Int64("revoked_count", revokedCount),
		slog.Duration("retention", j.Retention),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後interval間隔でRunを実行する。
// コンテキストがキャンセルされるまで戻らない。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}

	j.logger.Info("セッションクリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Duration("retention", j.Retention),
	)

	// 起動直後に1回実行
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("セッションクリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
