package utils

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestShowError(t *testing.T) {
	var buf bytes.Buffer
	ShowError(&buf, "Worker failed to start", errors.New("connection refused"),
		[]string{"Traceback (most recent call last):", "ImportError: No module named cellprofiler"})

	out := buf.String()
	for _, want := range []string{
		"CELLBRIDGE ERROR: Worker failed to start",
		"DETAILS: connection refused",
		"WORKER LOGS (last 2 lines)",
		"ImportError: No module named cellprofiler",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}

	// No tail, no log section
	buf.Reset()
	ShowError(&buf, "Bad flags", nil, nil)
	if strings.Contains(buf.String(), "WORKER LOGS") || strings.Contains(buf.String(), "DETAILS") {
		t.Errorf("Unexpected sections in:\n%s", buf.String())
	}
}

func TestFingerprint(t *testing.T) {
	// Integration test using the OS filesystem
	tmp, err := os.CreateTemp("", "pipeline_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmp.Name())

	// Write dummy content
	if _, err := tmp.Write([]byte("CellProfiler Pipeline: http://www.cellprofiler.org")); err != nil {
		t.Fatal(err)
	}
	tmp.Close()

	id, err := Fingerprint(tmp.Name())
	if err != nil || len(id) != 64 {
		t.Errorf("Failed to generate fingerprint: %q %v", id, err)
	}

	// Verify Determinism
	id2, _ := Fingerprint(tmp.Name())
	if id != id2 {
		t.Errorf("Hash is not deterministic. Got %s, then %s", id, id2)
	}

	// Verify Sensitivity (Change content -> Change ID)
	f, _ := os.OpenFile(tmp.Name(), os.O_APPEND|os.O_WRONLY, 0644)
	f.Write([]byte("\nModule: IdentifyPrimaryObjects"))
	f.Close()

	id3, _ := Fingerprint(tmp.Name())
	if id == id3 {
		t.Error("Hash did not change after file modification")
	}

	if _, err := Fingerprint(tmp.Name() + ".missing"); err == nil {
		t.Error("Expected error for missing file")
	}
	if ShortID(id) != id[:12] || ShortID("abc") != "abc" {
		t.Errorf("ShortID mismatch: %s", ShortID(id))
	}
}
