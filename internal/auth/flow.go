package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/authsvc/internal/metrics"
	"github.com/hitoshi/authsvc/internal/model"
	"github.com/hitoshi/authsvc/internal/user"
)

// FlowStatus はOAuthFlowの状態。
type FlowStatus int

const (
	// FlowInitiated はプロバイダーへリダイレクト済みでコールバック待ちの状態。
	FlowInitiated FlowStatus = iota
	// FlowCompleted はセッション発行まで完了した状態。
	FlowCompleted
	// FlowFailed は失敗で終了した状態。
	FlowFailed
)

func (s FlowStatus) String() string {
	switch s {
	case FlowInitiated:
		return "initiated"
	case FlowCompleted:
		return "completed"
	case FlowFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// OAuthFlow は1回の外部IdPログインを表す短命なオブジェクト。
// Initiated からのみ Completed または Failed に遷移する。
type OAuthFlow struct {
	state     string
	createdAt time.Time
	status    FlowStatus
	err       error
}

// ResumeFlow はクッキーに保存したstateから待機中のフローを復元する。
func ResumeFlow(state string) *OAuthFlow {
	return &OAuthFlow{state: state, status: FlowInitiated}
}

// State はCSRF対策のstate値を返す。
func (f *OAuthFlow) State() string { return f.state }

// CreatedAt はフローの開始時刻を返す。復元したフローではゼロ値。
func (f *OAuthFlow) CreatedAt() time.Time { return f.createdAt }

// Status は現在の状態を返す。
func (f *OAuthFlow) Status() FlowStatus { return f.status }

// Err は失敗の原因を返す。
func (f *OAuthFlow) Err() error { return f.err }

// Fail はフローを失敗状態にし、KindProviderErrorを返す。
// 終了済みのフローの状態は変えない。
func (f *OAuthFlow) Fail(err error) error {
	if err == nil {
		err = errors.New("provider login failed")
	}
	perr := model.ProviderError("auth.oauth_flow", err)
	if f.status == FlowInitiated {
		f.status = FlowFailed
		f.err = perr
	}
	return perr
}

// Complete はフローを完了状態にする。終了済みのフローは完了できない。
func (f *OAuthFlow) Complete() error {
	if f.status != FlowInitiated {
		return model.ProviderError("auth.oauth_flow", fmt.Errorf("cannot complete flow in %s state", f.status))
	}
	f.status = FlowCompleted
	return nil
}

// CallbackParams はプロバイダーからのコールバックで受け取る値。
type CallbackParams struct {
	State     string
	Code      string
	Error     string
	IP        string
	UserAgent string
}

// ProviderUserResolver は検証済みプロフィールからユーザーを解決する。
type ProviderUserResolver interface {
	ResolveByProviderEmail(ctx context.Context, profile user.ProviderProfile) (*model.User, error)
}

// SessionStarter はユーザーのセッションを発行する。
type SessionStarter interface {
	StartSession(ctx context.Context, u *model.User, meta SessionMeta) (*LoginResult, error)
}

// Bridge は外部IdPの認証結果を通常のセッション発行につなぐ。
type Bridge struct {
	provider OAuthProvider
	users    ProviderUserResolver
	sessions SessionStarter
	recorder metrics.AuthRecorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewBridge はBridgeを生成する。
func NewBridge(
	provider OAuthProvider,
	users ProviderUserResolver,
	sessions SessionStarter,
	recorder metrics.AuthRecorder,
	logger *slog.Logger,
) *Bridge {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		provider: provider,
		users:    users,
		sessions: sessions,
		recorder: recorder,
		logger:   logger,
		now:      time.Now,
	}
}

// Initiate は新しいフローを開始し、プロバイダーの認証URLを返す。永続的な副作用はない。
func (b *Bridge) Initiate() (*OAuthFlow, string, error) {
	state, err := generateState()
	if err != nil {
		return nil, "", model.NewError(model.KindInternal, "auth.oauth_initiate", "failed to generate state", err)
	}
	flow := &OAuthFlow{state: state, createdAt: b.now(), status: FlowInitiated}
	return flow, b.provider.GetLoginURL(state), nil
}

// Callback はコールバックを検証し、ユーザーを解決してセッションを発行する。
// プロバイダー側の失敗はKindProviderErrorを返す。
func (b *Bridge) Callback(ctx context.Context, flow *OAuthFlow, params CallbackParams) (*LoginResult, error) {
	if flow == nil {
		flow = ResumeFlow("")
	}
	if flow.Status() != FlowInitiated {
		return nil, b.fail(flow, fmt.Errorf("flow already %s", flow.Status()))
	}

	if flow.State() == "" || subtle.ConstantTimeCompare([]byte(flow.State()), []byte(params.State)) != 1 {
		return nil, b.fail(flow, errors.New("state mismatch"))
	}
	if params.Error != "" {
		return nil, b.fail(flow, fmt.Errorf("provider returned error: %s", params.Error))
	}
	if params.Code == "" {
		return nil, b.fail(flow, errors.New("missing authorization code"))
	}

	info, err := b.provider.ExchangeCode(ctx, params.Code)
	if err != nil {
		return nil, b.fail(flow, err)
	}
	if info.Email == "" || !info.EmailVerified {
		return nil, b.fail(flow, errors.New("provider email is missing or unverified"))
	}

	u, err := b.users.ResolveByProviderEmail(ctx, user.ProviderProfile{
		Provider:       info.Provider,
		ProviderUserID: info.ProviderUserID,
		Email:          info.Email,
		Name:           info.Name,
	})
	if err != nil {
		return nil, b.abort(flow, err)
	}

	result, err := b.sessions.StartSession(ctx, u, SessionMeta{IP: params.IP, UserAgent: params.UserAgent})
	if err != nil {
		return nil, b.abort(flow, err)
	}

	if err := flow.Complete(); err != nil {
		return nil, err
	}

	b.recorder.RecordProviderLogin(metrics.ResultSuccess)
	b.logger.Info("provider login completed",
		slog.String("user_id", u.ID),
		slog.String("provider", info.Provider),
	)
	return result, nil
}

func (b *Bridge) fail(flow *OAuthFlow, cause error) error {
	err := flow.Fail(cause)
	b.recorder.RecordProviderLogin(metrics.ResultProviderError)
	b.logger.Warn("provider login failed", slog.String("error", cause.Error()))
	return err
}

// abort はストア障害などプロバイダー以外の失敗でフローを終了させる。元のエラー種別を保つ。
func (b *Bridge) abort(flow *OAuthFlow, cause error) error {
	flow.Fail(cause)
	b.recorder.RecordProviderLogin(ResultOf(cause))
	b.logger.Error("provider login aborted",
		slog.String("kind", model.KindOf(cause).String()),
		slog.String("error", cause.Error()),
	)
	return cause
}

// generateState はCSRF対策用のランダムなstateパラメータを生成する。
func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
