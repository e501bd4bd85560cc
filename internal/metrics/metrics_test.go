// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordPersistenceError(t *testing.T) {
	tests := []struct {
		name      string
		operation string
		errorType string
	}{
		{"insert execution", "InsertExecution", "unknown"},
		{"update execution", "UpdateExecution", "conflict"},
		{"save polling state", "SavePollingState", "context_canceled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			labels := prometheus.Labels{"operation": tt.operation, "error_type": tt.errorType}
			initialCount := testutil.ToFloat64(persistenceErrors.With(labels))

			RecordPersistenceError(tt.operation, tt.errorType)

			newCount := testutil.ToFloat64(persistenceErrors.With(labels))
			if newCount != initialCount+1 {
				t.Errorf("expected count to increment by 1, got initial=%f, new=%f", initialCount, newCount)
			}
		})
	}
}

func TestRecordScanSummary(t *testing.T) {
	before := testutil.ToFloat64(scanAutomations.WithLabelValues("metrics-test", OutcomeNoCredential))

	RecordScanSummary("metrics-test", 3, 1, 4, 2, 0)

	if got := testutil.ToFloat64(scanAutomations.WithLabelValues("metrics-test", OutcomeTriggered)); got < 3 {
		t.Errorf("expected triggered >= 3, got %f", got)
	}
	if got := testutil.ToFloat64(scanAutomations.WithLabelValues("metrics-test", OutcomeNoCredential)); got != before+2 {
		t.Errorf("expected no_credential to grow by 2, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(scanAutomations.WithLabelValues("metrics-test", OutcomeNotPolled)); got < 4 {
		t.Errorf("expected not_polled >= 4, got %f", got)
	}
}

func TestRecordScanCycle(t *testing.T) {
	before := testutil.ToFloat64(scanCycles.WithLabelValues("cycle-test", "error"))

	RecordScanCycle("cycle-test", errors.New("boom"), 150*time.Millisecond)
	RecordScanCycle("cycle-test", nil, 10*time.Millisecond)

	if got := testutil.ToFloat64(scanCycles.WithLabelValues("cycle-test", "error")); got != before+1 {
		t.Errorf("expected one error cycle, got %f -> %f", before, got)
	}
	if n := testutil.CollectAndCount(scanDuration, "area_scan_duration_seconds"); n == 0 {
		t.Error("expected scan duration series")
	}
}

func TestSetQueueDepth(t *testing.T) {
	SetQueueDepth(7)
	if got := testutil.ToFloat64(queueDepth); got != 7 {
		t.Errorf("expected depth 7, got %f", got)
	}
}

func TestHandler(t *testing.T) {
	RecordTransition("http_post", "success")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `area_execution_transitions_total{reaction="http_post",status="success"}`) {
		t.Error("expected transition counter in exposition")
	}
}
