package handler

import "net/http"

// HealthChecker はストアの可用性を報告するインターフェース。
// database.Handleが実装する。
type HealthChecker interface {
	Available() bool
}

// HealthHandler はストアの接続状態に応じて200または503を返す。
// GET /health
func HealthHandler(checker HealthChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if checker == nil || !checker.Available() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
