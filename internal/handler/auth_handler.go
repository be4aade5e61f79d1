// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/authsvc/internal/auth"
	"github.com/hitoshi/authsvc/internal/metrics"
	"github.com/hitoshi/authsvc/internal/middleware"
	"github.com/hitoshi/authsvc/internal/model"
	"github.com/hitoshi/authsvc/internal/user"
)

const (
	accessTokenCookie  = middleware.AccessTokenCookieName
	refreshTokenCookie = "refresh_token"
	oauthStateCookie   = "oauth_state"

	oauthStateMaxAge = 600 // 10分

	// maxBodyBytes はJSONリクエストボディの上限。
	maxBodyBytes = 1 << 16
)

// AuthServiceInterface は認証ハンドラーが必要とするセッション管理のインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, in auth.LoginInput) (*auth.LoginResult, error)
	Refresh(ctx context.Context, refreshToken string) (*auth.LoginResult, error)
	Logout(ctx context.Context, refreshToken string) error
	CurrentUser(ctx context.Context, userID string) (*model.User, error)
}

// RegistrationService はユーザー登録のインターフェース。
type RegistrationService interface {
	Register(ctx context.Context, in user.RegisterInput) (*model.User, error)
}

// OAuthBridge は外部IdPによるログインフローのインターフェース。
type OAuthBridge interface {
	Initiate() (*auth.OAuthFlow, string, error)
	Callback(ctx context.Context, flow *auth.OAuthFlow, params auth.CallbackParams) (*auth.LoginResult, error)
}

// RegistrationRecorder は登録結果のメトリクス記録インターフェース。
type RegistrationRecorder interface {
	RecordRegistration(result string)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	PostLoginURL  string
	CookieDomain  string
	CookieSecure  bool
	AccessMaxAge  int // アクセストークンCookieの有効期間（秒）
	RefreshMaxAge int // リフレッシュトークンCookieの有効期間（秒）
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	users    RegistrationService
	oauth    OAuthBridge
	recorder RegistrationRecorder
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	service AuthServiceInterface,
	users RegistrationService,
	oauth OAuthBridge,
	recorder RegistrationRecorder,
	config AuthHandlerConfig,
) *AuthHandler {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if config.AccessMaxAge <= 0 {
		config.AccessMaxAge = 900
	}
	if config.RefreshMaxAge <= 0 {
		config.RefreshMaxAge = 2592000
	}
	return &AuthHandler{
		service:  service,
		users:    users,
		oauth:    oauth,
		recorder: recorder,
		config:   config,
	}
}

type registerRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// userResponse はユーザー情報のAPIレスポンス。パスワードハッシュは含めない。
type userResponse struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

type loginResponse struct {
	User userResponse `json:"user"`
}

// Register はメールアドレスとパスワードでユーザーを登録する。ログイン状態にはしない。
// POST /api/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		h.recorder.RecordRegistration(metrics.ResultValidation)
		return
	}

	u, err := h.users.Register(r.Context(), user.RegisterInput{
		Name:     req.Name,
		Email:    req.Email,
		Password: req.Password,
	})
	if err != nil {
		h.recorder.RecordRegistration(auth.ResultOf(err))
		writeAuthError(w, err)
		return
	}

	h.recorder.RecordRegistration(metrics.ResultSuccess)
	writeJSON(w, http.StatusCreated, toUserResponse(u))
}

// Login はパスワードログインを処理し、トークンをCookieに設定する。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.Login(r.Context(), auth.LoginInput{
		Email:     req.Email,
		Password:  req.Password,
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeAuthError(w, err)
		return
	}

	h.setTokenCookies(w, result.Tokens)
	writeJSON(w, http.StatusOK, loginResponse{User: toUserResponse(result.User)})
}

// Refresh はrefresh_token Cookieのトークンをローテーションする。
// 失敗理由によらず401を返す。
// POST /api/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshTokenCookie)
	if err != nil || cookie.Value == "" {
		middleware.WriteUnauthorized(w)
		return
	}

	result, err := h.service.Refresh(r.Context(), cookie.Value)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	h.setTokenCookies(w, result.Tokens)
	writeJSON(w, http.StatusOK, loginResponse{User: toUserResponse(result.User)})
}

// Logout はセッションを失効させ、両方のトークンCookieを削除する。常に204を返す。
// POST /api/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshTokenCookie); err == nil && cookie.Value != "" {
		// Logoutは失敗を返さない
		_ = h.service.Logout(r.Context(), cookie.Value)
	}

	h.clearCookie(w, accessTokenCookie)
	h.clearCookie(w, refreshTokenCookie)
	w.WriteHeader(http.StatusNoContent)
}

// Me は現在のログインユーザー情報を返す。認証ミドルウェアの内側で使う。
// ミドルウェアが読み込んだユーザーがあればそれを返し、IDしかない場合だけ再取得する。
// GET /api/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	if u, ok := middleware.UserFromContext(r.Context()); ok {
		writeJSON(w, http.StatusOK, toUserResponse(u))
		return
	}

	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteUnauthorized(w)
		return
	}

	u, err := h.service.CurrentUser(r.Context(), userID)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toUserResponse(u))
}

// GoogleLogin はGoogle OAuthフローを開始する。
// GET /api/auth/google
func (h *AuthHandler) GoogleLogin(w http.ResponseWriter, r *http.Request) {
	flow, loginURL, err := h.oauth.Initiate()
	if err != nil {
		slog.Error("failed to initiate oauth flow", slog.String("error", err.Error()))
		http.Redirect(w, r, h.errorRedirectURL(), http.StatusTemporaryRedirect)
		return
	}

	// stateをCookieに保存（CSRF対策）
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    flow.State(),
		Path:     "/",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
}

// GoogleCallback はOAuthコールバックを処理する。
// 失敗時はJSONを返さず、auth_errorを付けてフロントエンドにリダイレクトする。
// GET /api/auth/google/callback?code=xxx&state=yyy
func (h *AuthHandler) GoogleCallback(w http.ResponseWriter, r *http.Request) {
	var flow *auth.OAuthFlow
	if stateCookie, err := r.Cookie(oauthStateCookie); err == nil {
		flow = auth.ResumeFlow(stateCookie.Value)
	}

	// stateクッキーは成否によらず削除する
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	query := r.URL.Query()
	result, err := h.oauth.Callback(r.Context(), flow, auth.CallbackParams{
		State:     query.Get("state"),
		Code:      query.Get("code"),
		Error:     query.Get("error"),
		IP:        middleware.ClientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		http.Redirect(w, r, h.errorRedirectURL(), http.StatusTemporaryRedirect)
		return
	}

	h.setTokenCookies(w, result.Tokens)
	http.Redirect(w, r, h.config.PostLoginURL, http.StatusTemporaryRedirect)
}

// errorRedirectURL はプロバイダーログイン失敗時のリダイレクト先を返す。
func (h *AuthHandler) errorRedirectURL() string {
	u, err := url.Parse(h.config.PostLoginURL)
	if err != nil {
		return "/?auth_error=provider"
	}
	q := u.Query()
	q.Set("auth_error", "provider")
	u.RawQuery = q.Encode()
	return u.String()
}

func (h *AuthHandler) setTokenCookies(w http.ResponseWriter, tokens model.TokenPair) {
	h.setCookie(w, accessTokenCookie, tokens.AccessToken, h.config.AccessMaxAge)
	h.setCookie(w, refreshTokenCookie, tokens.RefreshToken, h.config.RefreshMaxAge)
}

func (h *AuthHandler) setCookie(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   h.config.CookieDomain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearCookie(w http.ResponseWriter, name string) {
	h.setCookie(w, name, "", -1)
}

// --- ヘルパー関数 ---

// toUserResponse はmodel.UserからAPIレスポンスに変換する。
func toUserResponse(u *model.User) userResponse {
	return userResponse{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		CreatedAt: u.CreatedAt,
	}
}

// decodeJSON はリクエストボディをdstに読み込む。失敗時は400を書き込んでfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidRequest,
			Message:  "malformed request body",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
