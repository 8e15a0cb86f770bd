package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOfThroughWrapping(t *testing.T) {
	base := Pull("pull", "image fetch failed", errors.New("manifest unknown"))
	wrapped := fmt.Errorf("start: %w", base)
	if !IsPull(wrapped) {
		t.Fatalf("expected pull error through wrapping, got kind %v", KindOf(wrapped))
	}
	if IsLaunch(wrapped) {
		t.Fatalf("pull error misclassified as launch")
	}
	if got := ExitCode(wrapped); got != 5 {
		t.Fatalf("exit code: want 5 got %d", got)
	}
}

func TestExitCodesDistinct(t *testing.T) {
	seen := map[int]Kind{}
	for k := KindConfig; k <= KindCrash; k++ {
		c := k.ExitCode()
		if c == 0 {
			t.Fatalf("kind %v maps to success", k)
		}
		if prev, ok := seen[c]; ok {
			t.Fatalf("kinds %v and %v share exit code %d", prev, k, c)
		}
		seen[c] = k
	}
	if ExitCode(nil) != 0 {
		t.Fatalf("nil error must exit 0")
	}
	if ExitCode(errors.New("plain")) != 1 {
		t.Fatalf("unclassified error must exit 1")
	}
}

func TestErrorMessageAndHint(t *testing.T) {
	err := Config("config", "SERVICE_ACCOUNT_KEY_FILE is required", nil)
	if err.Error() != "config: SERVICE_ACCOUNT_KEY_FILE is required" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if HintOf(err) == "" {
		t.Fatalf("expected default hint")
	}
	custom := err.WithHint("set the variable")
	if HintOf(custom) != "set the variable" {
		t.Fatalf("WithHint not applied")
	}
	if HintOf(err) == "set the variable" {
		t.Fatalf("WithHint mutated the original")
	}
	if HintOf(errors.New("x")) != "" {
		t.Fatalf("plain error has no hint")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Registry("list tags", "request failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach cause")
	}
}
