package migrate

import (
	"errors"
	"testing"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("", "up", 0)
	if !errors.Is(err, ErrNoDSN) {
		t.Fatalf("Run with empty DSN err = %v, want ErrNoDSN", err)
	}
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Down", "both"} {
		t.Run(direction, func(t *testing.T) {
			if err := Run("postgres://localhost/test", direction, 0); err == nil {
				t.Errorf("Run with direction %q should return error", direction)
			}
		})
	}
}

func TestRun_NegativeSteps(t *testing.T) {
	if err := Run("postgres://localhost/test", "up", -1); err == nil {
		t.Error("Run with negative steps should return error")
	}
}

func TestVersion_EmptyDSN(t *testing.T) {
	if _, _, err := Version(""); !errors.Is(err, ErrNoDSN) {
		t.Errorf("Version with empty DSN err = %v, want ErrNoDSN", err)
	}
}
