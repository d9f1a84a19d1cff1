package shell

import (
	"context"
	"encoding/json"
	"runtime"
	"strings"
	"testing"
)

func TestShell(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ok := json.RawMessage(`{"command":"sh","args":["-c","test \"$GREETING\" = hi"],"env":{"GREETING":"hi"}}`)
	if err := (Shell{}).Handle(context.Background(), ok); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fail := json.RawMessage(`{"command":"sh","args":["-c","echo broken; exit 3"]}`)
	err := (Shell{}).Handle(context.Background(), fail)
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("err = %v, want output in error", err)
	}

	if err := (Shell{}).Handle(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for missing command")
	}
}
