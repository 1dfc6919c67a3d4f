package xlog_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/momentics/fiberd/xlog"
)

func TestGetReturnsSameLoggerForSameName(t *testing.T) {
	a := xlog.Get("sched")
	b := xlog.Get("sched")
	if a != b {
		t.Fatal("expected Get to return the same *Logger for a repeated name")
	}
}

func TestWithStampsFiberAndWorkerFields(t *testing.T) {
	var buf bytes.Buffer
	xlog.SetOutput(&buf)

	l := xlog.Get("iomgr")
	l.With(7, 2).Msg("registered descriptor")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["fiber"] != float64(7) {
		t.Fatalf("expected fiber field 7, got %v", record["fiber"])
	}
	if record["worker"] != float64(2) {
		t.Fatalf("expected worker field 2, got %v", record["worker"])
	}
}
