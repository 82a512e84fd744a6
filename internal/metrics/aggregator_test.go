package metrics

import (
	"errors"
	"testing"
	"time"
)

func TestRecordMessageCountsPerTopic(t *testing.T) {
	a := NewAggregator("test_service", 10)
	a.RecordMessage("alicia/devices/register")
	a.RecordMessage("alicia/devices/register")
	a.RecordMessage("alicia/voice/command")

	if got := a.MessagesProcessed(); got != 3 {
		t.Errorf("MessagesProcessed() = %d, want 3", got)
	}
	hits := a.TopicHits()
	if hits["alicia/devices/register"] != 2 {
		t.Errorf("topic hits for register = %d, want 2", hits["alicia/devices/register"])
	}
	if hits["alicia/voice/command"] != 1 {
		t.Errorf("topic hits for voice.command = %d, want 1", hits["alicia/voice/command"])
	}
}

func TestErrorRingBoundedAndLastError(t *testing.T) {
	a := NewAggregator("test_service", 2)
	a.RecordError(errors.New("first"))
	a.RecordError(errors.New("second"))
	a.RecordError(errors.New("third")) // overflows ring of 2, evicts "first"

	if got := a.ErrorCount(); got != 3 {
		t.Errorf("ErrorCount() = %d, want 3 (all-time, not ring-bounded)", got)
	}

	snap := a.Snapshot()
	if snap.LastError == nil || snap.LastError.Message != "third" {
		t.Errorf("LastError = %+v, want message 'third'", snap.LastError)
	}
}

func TestErrorsInWindow(t *testing.T) {
	a := NewAggregator("test_service", 10)
	a.RecordError(errors.New("recent"))

	if got := a.ErrorsInWindow(time.Minute); got != 1 {
		t.Errorf("ErrorsInWindow(1m) = %d, want 1", got)
	}
	if got := a.ErrorsInWindow(0); got != 0 {
		t.Errorf("ErrorsInWindow(0) = %d, want 0 (no window to be within)", got)
	}
}

func TestReportMetricAppearsInSnapshot(t *testing.T) {
	a := NewAggregator("test_service", 10)
	a.ReportMetric("queue_depth", 5)

	snap := a.Snapshot()
	if snap.CustomMetrics["queue_depth"] != 5 {
		t.Errorf("CustomMetrics[queue_depth] = %v, want 5", snap.CustomMetrics["queue_depth"])
	}
}

func TestSnapshotReflectsMQTTConnected(t *testing.T) {
	a := NewAggregator("test_service", 10)
	a.SetMQTTConnected(true)
	if !a.Snapshot().MQTTConnected {
		t.Error("Snapshot().MQTTConnected = false, want true")
	}
	a.SetMQTTConnected(false)
	if a.Snapshot().MQTTConnected {
		t.Error("Snapshot().MQTTConnected = true, want false")
	}
}
