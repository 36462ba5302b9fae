package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 入库状态标签
const (
	StatusOK     = "ok"
	StatusFailed = "failed"
)

var (
	ingestChunks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_ingest_chunks_total",
			Help: "Chunks processed by the ingestion pipeline",
		},
		[]string{"status"}, // StatusOK | StatusFailed
	)

	ingestFiles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_ingest_files_total",
			Help: "Files processed by the ingestion pipeline",
		},
		[]string{"status"}, // StatusOK | StatusFailed
	)

	retrievals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_retrieval_total",
			Help: "Retrievals by strategy and fallback reason",
		},
		[]string{"strategy", "reason"},
	)

	upstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_upstream_duration_seconds",
			Help:    "Latency of calls to embedding, vector store and LLM services",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"upstream", "op"},
	)
)

// IngestChunk 记录一个分块的入库结果
func IngestChunk(status string) { ingestChunks.WithLabelValues(status).Inc() }

// IngestFile 记录一个文件的入库结果
func IngestFile(status string) { ingestFiles.WithLabelValues(status).Inc() }

// Retrieval 记录一次检索使用的策略；reason 为空表示未降级
func Retrieval(strategy, reason string) {
	if reason == "" {
		reason = "none"
	}
	retrievals.WithLabelValues(strategy, reason).Inc()
}

// ObserveUpstream 记录外部调用耗时，配合 defer 使用
func ObserveUpstream(upstream, op string, start time.Time) {
	upstreamDuration.WithLabelValues(upstream, op).Observe(time.Since(start).Seconds())
}

// Handler Prometheus 抓取端点
func Handler() http.Handler {
	return promhttp.Handler()
}
