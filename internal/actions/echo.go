// Package actions holds the providers compiled into the journeyman binary.
// Real deployments link their own providers here; the echo provider ships
// by default so a fresh install has something to run end to end.
package actions

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattjoyce/journeyman/internal/action"
	"github.com/mattjoyce/journeyman/internal/codec"
	"github.com/mattjoyce/journeyman/internal/envelope"
)

// EchoProvider implements a handful of diagnostic actions. It doubles as
// the reference for writing a provider: decode the parameters you need,
// respect the context, return a serializable value or nil for void.
type EchoProvider struct{}

// Name identifies the provider in module manifests.
func (EchoProvider) Name() string { return "echo" }

// Register binds the echo actions into reg.
func (EchoProvider) Register(reg *action.Registry) error {
	bindings := map[string]action.Func{
		"echo":       echo,
		"echo.upper": echoUpper,
		"echo.sleep": echoSleep,
		"echo.fail":  echoFail,
	}
	for actionType, fn := range bindings {
		if err := reg.Register(actionType, fn); err != nil {
			return err
		}
	}
	return nil
}

// echo returns its first parameter unchanged, or nil when called without
// parameters.
func echo(ctx context.Context, params []codec.RawMessage) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	var v any
	if err := envelope.DecodeParam(params[0], &v); err != nil {
		return nil, err
	}
	return v, nil
}

func echoUpper(ctx context.Context, params []codec.RawMessage) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("echo.upper expects 1 parameter, got %d", len(params))
	}
	var s string
	if err := envelope.DecodeParam(params[0], &s); err != nil {
		return nil, err
	}
	return strings.ToUpper(s), nil
}

// echoSleep blocks for the given number of milliseconds or until the
// context is cancelled. Void return.
func echoSleep(ctx context.Context, params []codec.RawMessage) (any, error) {
	if len(params) != 1 {
		return nil, fmt.Errorf("echo.sleep expects 1 parameter, got %d", len(params))
	}
	var ms int64
	if err := envelope.DecodeParam(params[0], &ms); err != nil {
		return nil, err
	}
	if ms < 0 {
		return nil, fmt.Errorf("echo.sleep duration must be non-negative, got %d", ms)
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// echoFail always fails with the given message. Useful for exercising the
// failure path without a broken provider.
func echoFail(ctx context.Context, params []codec.RawMessage) (any, error) {
	msg := "echo.fail invoked"
	if len(params) > 0 {
		if err := envelope.DecodeParam(params[0], &msg); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%s", msg)
}
