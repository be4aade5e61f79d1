package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/authsvc/internal/middleware"
	"github.com/hitoshi/authsvc/internal/model"
)

// writeAuthError はドメインエラーの種別をHTTPレスポンスに変換する。
// 認証失敗系はすべて同一の401となる。
func writeAuthError(w http.ResponseWriter, err error) {
	kind := model.KindOf(err)

	switch kind {
	case model.KindInvalidCredentials, model.KindInvalidToken, model.KindSessionRevoked:
		middleware.WriteUnauthorized(w)
	case model.KindValidation:
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(messageOf(err)))
	case model.KindConflict:
		// jtiの衝突など、メールアドレス以外の重複は内部エラーとして扱う
		if errors.Is(err, model.ErrEmailTaken) {
			middleware.WriteErrorResponse(w, http.StatusConflict, model.NewEmailTakenError())
			return
		}
		logServiceError(err)
		middleware.WriteInternalServerError(w)
	case model.KindProviderError:
		// 通常はリダイレクトで扱う。JSON経路に漏れた場合は認証失敗として返す。
		middleware.WriteUnauthorized(w)
	case model.KindStoreUnavailable:
		logServiceError(err)
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewStoreUnavailableError())
	case model.KindSigningUnavailable, model.KindInternal:
		logServiceError(err)
		middleware.WriteInternalServerError(w)
	default:
		logServiceError(err)
		middleware.WriteInternalServerError(w)
	}
}

func messageOf(err error) string {
	var domainErr *model.Error
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		return domainErr.Message
	}
	return "invalid request"
}

func logServiceError(err error) {
	attrs := []any{
		slog.String("kind", model.KindOf(err).String()),
		slog.String("error", err.Error()),
	}
	var domainErr *model.Error
	if errors.As(err, &domainErr) {
		attrs = append(attrs, slog.String("op", domainErr.Op))
	}
	slog.Error("request failed", attrs...)
}
