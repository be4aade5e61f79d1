package auth

import (
	"context"
	"errors"
	"net/url"
	"testing"

	"github.com/hitoshi/authsvc/internal/model"
	"github.com/hitoshi/authsvc/internal/user"
)

// --- モック ---

type mockOAuthProvider struct {
	getLoginURLFn  func(state string) string
	exchangeCodeFn func(ctx context.Context, code string) (*OAuthUserInfo, error)
}

func (m *mockOAuthProvider) GetLoginURL(state string) string {
	if m.getLoginURLFn != nil {
		return m.getLoginURLFn(state)
	}
	return "https://accounts.example.com/auth?state=" + url.QueryEscape(state)
}

func (m *mockOAuthProvider) ExchangeCode(ctx context.Context, code string) (*OAuthUserInfo, error) {
	if m.exchangeCodeFn != nil {
		return m.exchangeCodeFn(ctx, code)
	}
	return &OAuthUserInfo{
		ProviderUserID: "google-sub-1",
		Email:          "g@example.com",
		EmailVerified:  true,
		Name:           "G User",
		Provider:       "google",
	}, nil
}

type mockResolver struct {
	resolveFn func(ctx context.Context, profile user.ProviderProfile) (*model.User, error)
	calls     int
}

func (m *mockResolver) ResolveByProviderEmail(ctx context.Context, profile user.ProviderProfile) (*model.User, error) {
	m.calls++
	if m.resolveFn != nil {
		return m.resolveFn(ctx, profile)
	}
	return &model.User{ID: "user-g", Email: profile.Email}, nil
}

type mockStarter struct {
	startFn func(ctx context.Context, u *model.User, meta SessionMeta) (*LoginResult, error)
	calls   int
}

func (m *mockStarter) StartSession(ctx context.Context, u *model.User, meta SessionMeta) (*LoginResult, error) {
	m.calls++
	if m.startFn != nil {
		return m.startFn(ctx, u, meta)
	}
	return &LoginResult{User: u, Tokens: model.TokenPair{AccessToken: "a", RefreshToken: "r"}}, nil
}

// --- OAuthFlow ---

func TestOAuthFlow_Transitions(t *testing.T) {
	flow := ResumeFlow("state-1")
	if flow.Status() != FlowInitiated {
		t.Fatalf("Status = %v, want initiated", flow.Status())
	}
	if err := flow.Complete(); err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if flow.Status() != FlowCompleted {
		t.Fatalf("Status = %v, want completed", flow.Status())
	}

	// 終了済みのフローは再度完了できない
	if err := flow.Complete(); !model.IsKind(err, model.KindProviderError) {
		t.Fatalf("expected KindProviderError, got %v", err)
	}
}

func TestOAuthFlow_Fail(t *testing.T) {
	flow := ResumeFlow("state-1")
	err := flow.Fail(errors.New("denied"))
	if !model.IsKind(err, model.KindProviderError) {
		t.Fatalf("expected KindProviderError, got %v", err)
	}
	if flow.Status() != FlowFailed || flow.Err() == nil {
		t.Errorf("flow = %v / %v", flow.Status(), flow.Err())
	}
	if err := flow.Complete(); err == nil {
		t.Error("failed flow should not complete")
	}
}

// --- Bridge ---

func TestBridge_Initiate_ReturnsStateAndURL(t *testing.T) {
	bridge := NewBridge(&mockOAuthProvider{}, &mockResolver{}, &mockStarter{}, nil, nil)

	flow, loginURL, err := bridge.Initiate()
	if err != nil {
		t.Fatalf("Initiate returned error: %v", err)
	}
	if len(flow.State()) != 64 {
		t.Errorf("state length = %d, want 64", len(flow.State()))
	}
	if flow.CreatedAt().IsZero() {
		t.Error("CreatedAt should be set")
	}
	parsed, _ := url.Parse(loginURL)
	if parsed.Query().Get("state") != flow.State() {
		t.Errorf("URL state = %q, want %q", parsed.Query().Get("state"), flow.State())
	}

	other, _, _ := bridge.Initiate()
	if other.State() == flow.State() {
		t.Error("each flow should have a unique state")
	}
}

func TestBridge_Callback_Success(t *testing.T) {
	resolver := &mockResolver{}
	starter := &mockStarter{
		startFn: func(ctx context.Context, u *model.User, meta SessionMeta) (*LoginResult, error) {
			if meta.IP != "192.0.2.1" || meta.UserAgent != "ua" {
				t.Errorf("meta = %+v", meta)
			}
			return &LoginResult{User: u}, nil
		},
	}
	bridge := NewBridge(&mockOAuthProvider{}, resolver, starter, nil, nil)
	flow := ResumeFlow("state-ok")

	result, err := bridge.Callback(context.Background(), flow, CallbackParams{
		State: "state-ok", Code: "code", IP: "192.0.2.1", UserAgent: "ua",
	})
	if err != nil {
		t.Fatalf("Callback returned error: %v", err)
	}
	if result.User.ID != "user-g" {
		t.Errorf("user = %q", result.User.ID)
	}
	if flow.Status() != FlowCompleted {
		t.Errorf("Status = %v, want completed", flow.Status())
	}
}

func TestBridge_Callback_ProviderFailures(t *testing.T) {
	tests := []struct {
		name     string
		flow     *OAuthFlow
		params   CallbackParams
		exchange func(ctx context.Context, code string) (*OAuthUserInfo, error)
	}{
		{
			name:   "state mismatch",
			flow:   ResumeFlow("expected"),
			params: CallbackParams{State: "other", Code: "code"},
		},
		{
			name:   "missing state cookie",
			flow:   ResumeFlow(""),
			params: CallbackParams{State: "", Code: "code"},
		},
		{
			name:   "user denied consent",
			flow:   ResumeFlow("s"),
			params: CallbackParams{State: "s", Error: "access_denied"},
		},
		{
			name:   "missing code",
			flow:   ResumeFlow("s"),
			params: CallbackParams{State: "s"},
		},
		{
			name:   "exchange failure",
			flow:   ResumeFlow("s"),
			params: CallbackParams{State: "s", Code: "code"},
			exchange: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
				return nil, errors.New("token endpoint down")
			},
		},
		{
			name:   "unverified email",
			flow:   ResumeFlow("s"),
			params: CallbackParams{State: "s", Code: "code"},
			exchange: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
				return &OAuthUserInfo{ProviderUserID: "sub", Email: "x@example.com", Provider: "google"}, nil
			},
		},
		{
			name:   "empty email",
			flow:   ResumeFlow("s"),
			params: CallbackParams{State: "s", Code: "code"},
			exchange: func(ctx context.Context, code string) (*OAuthUserInfo, error) {
				return &OAuthUserInfo{ProviderUserID: "sub", EmailVerified: true, Provider: "google"}, nil
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &mockResolver{}
			starter := &mockStarter{}
			bridge := NewBridge(&mockOAuthProvider{exchangeCodeFn: tt.exchange}, resolver, starter, nil, nil)

			_, err := bridge.Callback(context.Background(), tt.flow, tt.params)
			if !model.IsKind(err, model.KindProviderError) {
				t.Fatalf("expected KindProviderError, got %v", err)
			}
			if tt.flow.Status() != FlowFailed {
				t.Errorf("Status = %v, want failed", tt.flow.Status())
			}
			if resolver.calls != 0 || starter.calls != 0 {
				t.Error("no user resolution or session should happen on provider failure")
			}
		})
	}
}

func TestBridge_Callback_StoreFailure_KeepsKind(t *testing.T) {
	resolver := &mockResolver{
		resolveFn: func(ctx context.Context, profile user.ProviderProfile) (*model.User, error) {
			return nil, model.StoreUnavailable("user.find", errors.New("down"))
		},
	}
	bridge := NewBridge(&mockOAuthProvider{}, resolver, &mockStarter{}, nil, nil)
	flow := ResumeFlow("s")

	_, err := bridge.Callback(context.Background(), flow, CallbackParams{State: "s", Code: "code"})
	if !model.IsKind(err, model.KindStoreUnavailable) {
		t.Fatalf("expected KindStoreUnavailable, got %v", err)
	}
	if flow.Status() != FlowFailed {
		t.Errorf("Status = %v, want failed", flow.Status())
	}
}

func TestBridge_Callback_CompletedFlowCannotBeReused(t *testing.T) {
	bridge := NewBridge(&mockOAuthProvider{}, &mockResolver{}, &mockStarter{}, nil, nil)
	flow := ResumeFlow("s")

	if _, err := bridge.Callback(context.Background(), flow, CallbackParams{State: "s", Code: "code"}); err != nil {
		t.Fatalf("first callback failed: %v", err)
	}
	_, err := bridge.Callback(context.Background(), flow, CallbackParams{State: "s", Code: "code"})
	if !model.IsKind(err, model.KindProviderError) {
		t.Fatalf("expected KindProviderError, got %v", err)
	}
}
