package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read metrics: %v", err)
	}
	return string(body)
}

func TestIngestStatusLabels(t *testing.T) {
	IngestChunk(StatusOK)
	IngestChunk(StatusFailed)
	IngestFile(StatusOK)
	IngestFile(StatusFailed)

	out := scrape(t)
	for _, series := range []string{
		`rag_ingest_chunks_total{status="ok"}`,
		`rag_ingest_chunks_total{status="failed"}`,
		`rag_ingest_files_total{status="ok"}`,
		`rag_ingest_files_total{status="failed"}`,
	} {
		if !strings.Contains(out, series) {
			t.Errorf("missing series %s", series)
		}
	}
}

func TestRetrievalReasonDefaultsToNone(t *testing.T) {
	Retrieval("vector", "")
	Retrieval("relational", "no_hits")
	ObserveUpstream("llm", "chat_completion", time.Now())

	out := scrape(t)
	for _, series := range []string{
		`rag_retrieval_total{reason="none",strategy="vector"}`,
		`rag_retrieval_total{reason="no_hits",strategy="relational"}`,
		`rag_upstream_duration_seconds_count{op="chat_completion",upstream="llm"}`,
	} {
		if !strings.Contains(out, series) {
			t.Errorf("missing series %s", series)
		}
	}
}
