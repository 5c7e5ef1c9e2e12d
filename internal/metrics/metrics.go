// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 取り込み・ミラー・チェンジフィードの各ループから利用する。
type MetricsCollector interface {
	RecordSubmissionsIngested(count int)
	RecordCommentsIngested(count int)
	RecordPostMirrored(community string)
	RecordCommentMirrored(community string)
	RecordRejection(kind string)
	RecordMirrorFailure(kind string)
	RecordRateLimitHit()
	RecordChangeFeedEntriesApplied(count int)
	RecordSourceCallLatency(op string, duration time.Duration)
	RecordDestCallLatency(op string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	submissionsIngested prometheus.Counter
	commentsIngested    prometheus.Counter
	postsMirrored       *prometheus.CounterVec
	commentsMirrored    *prometheus.CounterVec
	rejections          *prometheus.CounterVec
	mirrorFailures      *prometheus.CounterVec
	rateLimitHits       prometheus.Counter
	changeFeedApplied   prometheus.Counter
	sourceCallLatency   *prometheus.HistogramVec
	destCallLatency     *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		submissionsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedimirror_submissions_ingested_total",
			Help: "取り込まれた投稿の合計数",
		}),
		commentsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedimirror_comments_ingested_total",
			Help: "取り込まれたコメントの合計数",
		}),
		postsMirrored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedimirror_posts_mirrored_total",
			Help: "ミラーされた投稿のソースコミュニティ別合計数",
		}, []string{"community"}),
		commentsMirrored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedimirror_comments_mirrored_total",
			Help: "ミラーされたコメントのソースコミュニティ別合計数",
		}, []string{"community"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedimirror_rejections_total",
			Help: "ポリシーまたはバリデーションで拒否されたアイテムの種別別合計数",
		}, []string{"kind"}),
		mirrorFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fedimirror_mirror_failures_total",
			Help: "一時的エラーでfailedになったアイテムの種別別合計数",
		}, []string{"kind"}),
		rateLimitHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedimirror_rate_limit_hits_total",
			Help: "連合先のレート制限に到達した合計数",
		}),
		changeFeedApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fedimirror_changefeed_entries_applied_total",
			Help: "Peerから取り込んで適用したチェンジフィードエントリの合計数",
		}),
		sourceCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedimirror_source_call_latency_seconds",
			Help:    "ソースAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		destCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "fedimirror_dest_call_latency_seconds",
			Help:    "連合先API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}

	reg.MustRegister(
		c.submissionsIngested,
		c.commentsIngested,
		c.postsMirrored,
		c.commentsMirrored,
		c.rejections,
		c.mirrorFailures,
		c.rateLimitHits,
		c.changeFeedApplied,
		c.sourceCallLatency,
		c.destCallLatency,
	)

	return c
}

// RecordSubmissionsIngested は取り込んだ投稿数を記録する。
func (c *Collector) RecordSubmissionsIngested(count int) {
	c.submissionsIngested.Add(float64(count))
}

// RecordCommentsIngested は取り込んだコメント数を記録する。
func (c *Collector) RecordCommentsIngested(count int) {
	c.commentsIngested.Add(float64(count))
}

// RecordPostMirrored は投稿のミラー成功を記録する。
func (c *Collector) RecordPostMirrored(community string) {
	c.postsMirrored.WithLabelValues(community).Inc()
}

// RecordCommentMirrored はコメントのミラー成功を記録する。
func (c *Collector) RecordCommentMirrored(community string) {
	c.commentsMirrored.WithLabelValues(community).Inc()
}

// RecordRejection はポリシー・バリデーション拒否を記録する。
func (c *Collector) RecordRejection(kind string) {
	c.rejections.WithLabelValues(kind).Inc()
}

// RecordMirrorFailure は一時的エラーによる失敗を記録する。
func (c *Collector) RecordMirrorFailure(kind string) {
	c.mirrorFailures.WithLabelValues(kind).Inc()
}

// RecordRateLimitHit はレート制限到達を記録する。
func (c *Collector) RecordRateLimitHit() {
	c.rateLimitHits.Inc()
}

// RecordChangeFeedEntriesApplied は適用したエントリ数を記録する。
func (c *Collector) RecordChangeFeedEntriesApplied(count int) {
	c.changeFeedApplied.Add(float64(count))
}

// RecordSourceCallLatency はソースAPI呼び出しのレイテンシを記録する。
func (c *Collector) RecordSourceCallLatency(op string, duration time.Duration) {
	c.sourceCallLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordDestCallLatency は連合先API呼び出しのレイテンシを記録する。
func (c *Collector) RecordDestCallLatency(op string, duration time.Duration) {
	c.destCallLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
