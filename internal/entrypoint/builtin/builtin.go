// Package builtin provides the sample entry points every worker ships with
package builtin

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AltairaLabs/funcworker/internal/binding"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
)

// Entry point names
const (
	Echo     = "echo"
	Sleep    = "sleep"
	HTTPEcho = "httpEcho"
	Fail     = "fail"
)

// Register adds the built-in entry points to catalog
func Register(catalog *entrypoint.Catalog) {
	catalog.MustRegister(
		entrypoint.NewFunc(Echo, entrypoint.Signature{
			Params: []entrypoint.Param{
				entrypoint.Input("msg", binding.TypeString),
				entrypoint.SlotParam(entrypoint.SlotLogger),
			},
			Return: &entrypoint.Return{Type: binding.TypeString},
		}, echo),

		entrypoint.NewFunc(Sleep, entrypoint.Signature{
			Params: []entrypoint.Param{
				entrypoint.Input("millis", binding.TypeInt64),
				entrypoint.SlotParam(entrypoint.SlotContext),
			},
			Return: &entrypoint.Return{Type: binding.TypeInt64},
		}, sleep),

		entrypoint.NewFunc(HTTPEcho, entrypoint.Signature{
			Params: []entrypoint.Param{
				entrypoint.Input("req", binding.TypeHTTPRequest),
				entrypoint.SlotParam(entrypoint.SlotLogger),
			},
			Return: &entrypoint.Return{Type: binding.TypeHTTPResponse},
		}, httpEcho),

		entrypoint.NewFunc(Fail, entrypoint.Signature{
			Params: []entrypoint.Param{
				entrypoint.Input("message", binding.TypeString),
			},
		}, fail),
	)
}

// echo returns its input unchanged
func echo(_ context.Context, args []any) (any, error) {
	msg, _ := args[0].(string)
	if logger, ok := args[1].(*slog.Logger); ok {
		logger.Info("echo", "length", len(msg))
	}
	return msg, nil
}

// sleep waits for the given number of milliseconds or until cancelled,
// returning the milliseconds actually slept
func sleep(ctx context.Context, args []any) (any, error) {
	millis, _ := args[0].(int64)
	if millis < 0 {
		return nil, errors.New("millis must not be negative")
	}

	done := ctx.Done()
	if ic, ok := args[1].(entrypoint.Context); ok {
		done = ic.Done()
	}

	start := time.Now()
	timer := time.NewTimer(time.Duration(millis) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-timer.C:
		return millis, nil
	case <-done:
		return time.Since(start).Milliseconds(), context.Canceled
	}
}

// httpEcho answers with the request body and content type
func httpEcho(_ context.Context, args []any) (any, error) {
	req, ok := args[0].(*binding.HTTPRequest)
	if !ok {
		return nil, errors.New("missing request")
	}
	if logger, ok := args[1].(*slog.Logger); ok {
		logger.Info("Handling request", "method", req.Method, "bytes", len(req.Body))
	}

	header := http.Header{}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		header.Set("Content-Type", ct)
	}
	header.Set("X-Echo-Method", req.Method)

	return &binding.HTTPResponse{
		StatusCode: http.StatusOK,
		Header:     header,
		Body:       req.Body,
	}, nil
}

// fail always returns an error carrying message
func fail(_ context.Context, args []any) (any, error) {
	message, _ := args[0].(string)
	if message == "" {
		message = "function failed"
	}
	return nil, errors.New(message)
}
