package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type exitRequest struct{ code int }

func (e exitRequest) Error() string { return fmt.Sprintf("exit %d", e.code) }
func (e exitRequest) ExitCode() int { return e.code }

func TestIsMatchesByCode(t *testing.T) {
	sentinel := New(CodeUnknownAttribute, "")
	err := fmt.Errorf("write lamp.power: %w", Wrap(CodeUnknownAttribute, stdErrors.New("boom"), "lamp.colour"))

	assert.True(t, stdErrors.Is(err, sentinel))
	assert.False(t, stdErrors.Is(err, New(CodeDuplicateAttribute, "")))
	assert.Equal(t, CodeUnknownAttribute, CodeOf(err))
}

func TestDefaultsFromRegistry(t *testing.T) {
	err := New(CodeRoutingOverflow, "")
	assert.Equal(t, AttributesOf(CodeRoutingOverflow).Message, err.Message())
	assert.Equal(t, SeverityCritical, err.Severity())
	assert.True(t, err.ShouldAlert())

	overridden := New(CodeRoutingOverflow, "x", WithSeverity(SeverityWarning), WithAlert(false), WithMetadata("tick", "7"))
	assert.Equal(t, SeverityWarning, overridden.Severity())
	assert.False(t, ShouldAlert(overridden))
	assert.Equal(t, map[string]string{"tick": "7"}, overridden.Metadata())
}

func TestUnregisteredCodeFallsBack(t *testing.T) {
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf(Code("NOPE")))
	assert.Equal(t, SeverityCritical, SeverityOf(stdErrors.New("plain")))
}

func TestExitCodeOf(t *testing.T) {
	assert.Equal(t, 0, ExitCodeOf(nil))
	assert.Equal(t, 2, ExitCodeOf(New(CodeStartupStall, "")))
	assert.Equal(t, 3, ExitCodeOf(fmt.Errorf("tick: %w", New(CodeRoutingOverflow, ""))))
	assert.Equal(t, 1, ExitCodeOf(stdErrors.New("plain")))
	assert.Equal(t, 42, ExitCodeOf(fmt.Errorf("wrapped: %w", exitRequest{code: 42})))
}
