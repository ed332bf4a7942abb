package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	// Create more than MaxRotatedFiles
	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("conn"); err != nil {
			t.Fatal(err)
		}
		r.Log("out", "call-1", map[string]string{"method": "navigate"})
		time.Sleep(10 * time.Millisecond) // Ensure different mod times
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderLogging(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.Start("conn1"); err != nil {
		t.Fatal(err)
	}

	r.Log("in", "call-9", map[string]string{"result": "ok"})
	r.Close()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected 1 file, got %d", len(entries))
	}

	content, err := os.ReadFile(filepath.Join(tempDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(string(content), `{"ts":`) {
		t.Errorf("unexpected log content format: %s", string(content))
	}

	var evt Event
	if err := json.Unmarshal(content, &evt); err != nil {
		t.Fatalf("trace line is not valid JSON: %v", err)
	}
	if evt.Direction != "in" || evt.CallID != "call-9" {
		t.Errorf("unexpected event: %+v", evt)
	}
}

func TestRecorderLogWithoutStart(t *testing.T) {
	tempDir := t.TempDir()

	r, err := NewRecorder(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	// Must not panic or create files
	r.Log("out", "", "dropped")

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files, got %d", len(entries))
	}
}
