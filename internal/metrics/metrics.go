// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証イベントの結果ラベル
const (
	ResultSuccess            = "success"
	ResultInvalidCredentials = "invalid_credentials"
	ResultInvalidToken       = "invalid_token"
	ResultSessionRevoked     = "session_revoked"
	ResultConflict           = "conflict"
	ResultValidation         = "validation"
	ResultProviderError      = "provider_error"
	ResultError              = "error"
)

// AuthRecorder は認証イベントの記録インターフェース。
// サービス層から利用する。
type AuthRecorder interface {
	RecordLogin(result string)
	RecordRefresh(result string)
	RecordLogout()
	RecordRegistration(result string)
	RecordProviderLogin(result string)
	RecordSessionCreated()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	logouts         prometheus.Counter
	registrations   *prometheus.CounterVec
	providerLogins  *prometheus.CounterVec
	sessionsCreated prometheus.Counter
	sessionsExpired prometheus.Counter
	storeAvailable  prometheus.Gauge
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_login_total",
			Help: "パスワードログイン試行の結果別件数",
		}, []string{"result"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_refresh_total",
			Help: "リフレッシュ（ローテーション）試行の結果別件数",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsvc_logout_total",
			Help: "ログアウトの合計数",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_registration_total",
			Help: "ユーザー登録の結果別件数",
		}, []string{"result"}),
		providerLogins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_provider_login_total",
			Help: "外部IdPログインの結果別件数",
		}, []string{"result"}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsvc_sessions_created_total",
			Help: "作成されたセッションの合計数",
		}),
		sessionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authsvc_sessions_expired_total",
			Help: "クリーンアップジョブで失効させたセッションの合計数",
		}),
		storeAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "authsvc_store_available",
			Help: "セッションストアの可用性（1=利用可能, 0=不可）",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authsvc_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "authsvc_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.refreshes,
		c.logouts,
		c.registrations,
		c.providerLogins,
		c.sessionsCreated,
		c.sessionsExpired,
		c.storeAvailable,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordRefresh はリフレッシュ結果を記録する。
func (c *Collector) RecordRefresh(result string) {
	c.refreshes.WithLabelValues(result).Inc()
}

// RecordLogout はログアウトを記録する。
func (c *Collector) RecordLogout() {
	c.logouts.Inc()
}

// RecordRegistration はユーザー登録結果を記録する。
func (c *Collector) RecordRegistration(result string) {
	c.registrations.WithLabelValues(result).Inc()
}

// RecordProviderLogin は外部IdPログイン結果を記録する。
func (c *Collector) RecordProviderLogin(result string) {
	c.providerLogins.WithLabelValues(result).Inc()
}

// RecordSessionCreated はセッション作成を記録する。
func (c *Collector) RecordSessionCreated() {
	c.sessionsCreated.Inc()
}

// RecordSessionsExpired はクリーンアップで失効させたセッション数を記録する。
func (c *Collector) RecordSessionsExpired(count int64) {
	c.sessionsExpired.Add(float64(count))
}

// SetStoreAvailable はストアの可用性を記録する。database.HandleConfig.OnStateChangeに渡す。
func (c *Collector) SetStoreAvailable(ok bool) {
	if ok {
		c.storeAvailable.Set(1)
		return
	}
	c.storeAvailable.Set(0)
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエスト処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないAuthRecorder。テストやメトリクス無効時に使う。
type Nop struct{}

func (Nop) RecordLogin(string)         {}
func (Nop) RecordRefresh(string)       {}
func (Nop) RecordLogout()              {}
func (Nop) RecordRegistration(string)  {}
func (Nop) RecordProviderLogin(string) {}
func (Nop) RecordSessionCreated()      {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ AuthRecorder = (*Collector)(nil)
var _ AuthRecorder = Nop{}
