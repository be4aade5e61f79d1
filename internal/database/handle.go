package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// initialBackoff は再接続の初回待機時間。
	initialBackoff = 500 * time.Millisecond
	// maxBackoff は再接続の最大待機時間。
	maxBackoff = 30 * time.Second
)

// ErrUnavailable はストアへ到達できない状態であることを表す。
var ErrUnavailable = errors.New("database unavailable")

// HandleConfig はHandleの設定。
type HandleConfig struct {
	// HealthInterval は正常時の疎通確認間隔。
	HealthInterval time.Duration
	// PingTimeout は1回の疎通確認のタイムアウト。
	PingTimeout time.Duration
	// OnStateChange は可用性が変化したときに呼ばれる（メトリクス用）。
	OnStateChange func(available bool)
}

// Handle はDB接続プールを所有し、疎通確認と再接続バックオフを自前で行う。
// リポジトリはAvailableで状態を確認し、サービス層は接続の詳細に触れない。
type Handle struct {
	db        *sql.DB
	ping      func(ctx context.Context) error
	config    HandleConfig
	logger    *slog.Logger
	available atomic.Bool
	failures  atomic.Int32
}

// NewHandle はHandleを生成する。生成直後は未接続（Available=false）として扱う。
func NewHandle(db *sql.DB, config HandleConfig, logger *slog.Logger) *Handle {
	if config.HealthInterval <= 0 {
		config.HealthInterval = 10 * time.Second
	}
	if config.PingTimeout <= 0 {
		config.PingTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handle{db: db, config: config, logger: logger}
	if db != nil {
		h.ping = db.PingContext
	}
	return h
}

// DB は接続プールを返す。
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Available は直近の疎通確認が成功しているかを返す。
func (h *Handle) Available() bool {
	return h.available.Load()
}

// Ping は現在の可用性をエラーとして返す。/health から使う。
func (h *Handle) Ping(_ context.Context) error {
	if !h.Available() {
		return ErrUnavailable
	}
	return nil
}

// Connect は起動時の初回疎通確認を行う。失敗した場合はエラーを返す。
func (h *Handle) Connect(ctx context.Context) error {
	if err := h.check(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	return nil
}

// Run はctxがキャンセルされるまで疎通確認を繰り返す。
// 失敗が続く間は指数バックオフで再試行し、成功すると通常間隔に戻る。
func (h *Handle) Run(ctx context.Context) {
	wait := h.config.HealthInterval
	if !h.Available() {
		wait = CalculateBackoff(int(h.failures.Load()))
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if err := h.check(ctx); err != nil {
			wait = CalculateBackoff(int(h.failures.Load()) - 1)
			h.logger.Warn("database health check failed",
				slog.String("error", err.Error()),
				slog.Int("consecutive_failures", int(h.failures.Load())),
				slog.Duration("retry_in", wait),
			)
		} else {
			wait = h.config.HealthInterval
		}
		timer.Reset(wait)
	}
}

// check は1回疎通確認を行い、可用性とエラー回数を更新する。
func (h *Handle) check(ctx context.Context) error {
	if h.ping == nil {
		h.setAvailable(false)
		return ErrUnavailable
	}

	pingCtx, cancel := context.WithTimeout(ctx, h.config.PingTimeout)
	defer cancel()

	if err := h.ping(pingCtx); err != nil {
		h.failures.Add(1)
		h.setAvailable(false)
		return err
	}

	h.failures.Store(0)
	h.setAvailable(true)
	return nil
}

func (h *Handle) setAvailable(ok bool) {
	prev := h.available.Swap(ok)
	if prev == ok {
		return
	}
	if ok {
		h.logger.Info("database connection available")
	} else {
		h.logger.Error("database connection lost")
	}
	if h.config.OnStateChange != nil {
		h.config.OnStateChange(ok)
	}
}

// CalculateBackoff は連続失敗回数に基づいて再接続までの待機時間を計算する。
// 初回500ms、2倍ずつ増加、最大30秒。
func CalculateBackoff(consecutiveFailures int) time.Duration {
	delay := initialBackoff
	for i := 0; i < consecutiveFailures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}
