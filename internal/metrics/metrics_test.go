package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetric は名前とラベルが一致するメトリクスを返す。
func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if labelsMatch(m, labels) {
				return m
			}
		}
	}
	t.Fatalf("%s %v metric not found", name, labels)
	return nil
}

func labelsMatch(m *dto.Metric, labels map[string]string) bool {
	matched := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			matched++
		}
	}
	return matched == len(labels)
}

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordWebhook_IncrementsCounter はWebhookカウンタがステータス・結果別に増加することを検証する。
func TestRecordWebhook_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordWebhook("CREATION_SUCCESS", "applied")
	c.RecordWebhook("CREATION_SUCCESS", "applied")
	c.RecordWebhook("UNKNOWN", "ignored")

	m := findMetric(t, reg, "calbridge_webhook_total", map[string]string{"status": "CREATION_SUCCESS", "outcome": "applied"})
	if v := m.GetCounter().GetValue(); v != 2 {
		t.Errorf("webhook_total{applied} = %v, want 2", v)
	}
	m = findMetric(t, reg, "calbridge_webhook_total", map[string]string{"status": "UNKNOWN", "outcome": "ignored"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("webhook_total{ignored} = %v, want 1", v)
	}
}

// TestRecordUpstreamCall_RecordsStatusAndLatency は外部呼び出しのステータスとレイテンシが記録されることを検証する。
func TestRecordUpstreamCall_RecordsStatusAndLatency(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordUpstreamCall("create_event", 201, 150*time.Millisecond)

	m := findMetric(t, reg, "calbridge_upstream_requests_total", map[string]string{"operation": "create_event", "status_code": "201"})
	if v := m.GetCounter().GetValue(); v != 1 {
		t.Errorf("upstream_requests_total = %v, want 1", v)
	}
	h := findMetric(t, reg, "calbridge_upstream_latency_seconds", map[string]string{"operation": "create_event"})
	if h.GetHistogram().GetSampleCount() != 1 {
		t.Errorf("sample count = %d, want 1", h.GetHistogram().GetSampleCount())
	}
}

func TestRecordBookingBackfillResolver(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordBooking("partial_success")
	c.RecordBackfill("failed")
	c.RecordResolverStep(3)

	if v := findMetric(t, reg, "calbridge_booking_total", map[string]string{"result": "partial_success"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("booking_total = %v, want 1", v)
	}
	if v := findMetric(t, reg, "calbridge_email_backfill_total", map[string]string{"result": "failed"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("email_backfill_total = %v, want 1", v)
	}
	if v := findMetric(t, reg, "calbridge_resolver_step_total", map[string]string{"step": "3"}).GetCounter().GetValue(); v != 1 {
		t.Errorf("resolver_step_total = %v, want 1", v)
	}
}

// TestCollector_DuplicateRegistrationPanics は同じレジストリへの二重登録がパニックすることを検証する。
func TestCollector_DuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewCollector(reg)

	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	_ = NewCollector(reg)
}
