// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 通知ディスパッチャ・管理コマンド・Mirrorクライアントから利用する。
type MetricsCollector interface {
	RecordNotification(collection, reaction string)
	RecordNotificationRejected(reason string)
	RecordCommand(operation, outcome string)
	RecordMirrorCall(operation, outcome string)
	RecordBroadcast(success, failure int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	notifications *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	commands      *prometheus.CounterVec
	mirrorCalls   *prometheus.CounterVec
	broadcastOK   prometheus.Counter
	broadcastFail prometheus.Counter
	broadcastSize prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glassware_notifications_total",
			Help: "処理した通知の数（コレクション・リアクション別）",
		}, []string{"collection", "reaction"}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glassware_notifications_rejected_total",
			Help: "処理を中断した通知の数（理由別）",
		}, []string{"reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glassware_commands_total",
			Help: "管理コマンドの実行数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		mirrorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "glassware_mirror_calls_total",
			Help: "Mirror API呼び出し数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		broadcastOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glassware_broadcast_success_total",
			Help: "全ユーザー配信で挿入に成功したカードの合計数",
		}),
		broadcastFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "glassware_broadcast_failure_total",
			Help: "全ユーザー配信で挿入に失敗したカードの合計数",
		}),
		broadcastSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "glassware_broadcast_recipients",
			Help:    "全ユーザー配信1回あたりの宛先数",
			Buckets: []float64{1, 2, 5, 10},
		}),
	}

	reg.MustRegister(
		c.notifications,
		c.rejected,
		c.commands,
		c.mirrorCalls,
		c.broadcastOK,
		c.broadcastFail,
		c.broadcastSize,
	)

	return c
}

// RecordNotification は処理した通知を記録する。
func (c *Collector) RecordNotification(collection, reaction string) {
	c.notifications.WithLabelValues(collection, reaction).Inc()
}

// RecordNotificationRejected は中断した通知を記録する。
func (c *Collector) RecordNotificationRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

// RecordCommand は管理コマンドの実行を記録する。
func (c *Collector) RecordCommand(operation, outcome string) {
	c.commands.WithLabelValues(operation, outcome).Inc()
}

// RecordMirrorCall はMirror API呼び出しを記録する。
func (c *Collector) RecordMirrorCall(operation, outcome string) {
	c.mirrorCalls.WithLabelValues(operation, outcome).Inc()
}

// RecordBroadcast は全ユーザー配信の結果を記録する。
func (c *Collector) RecordBroadcast(success, failure int) {
	c.broadcastOK.Add(float64(success))
	c.broadcastFail.Add(float64(failure))
	c.broadcastSize.Observe(float64(success + failure))
}

// Handler はgathererの内容を返すスクレイプ用ハンドラー。
// 収集に失敗したメトリクスがあっても残りは返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorHandling:     promhttp.ContinueOnError,
		EnableOpenMetrics: true,
	})
}
