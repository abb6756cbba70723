package wasm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/sys"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/AltairaLabs/funcworker/internal/binding"
	"github.com/AltairaLabs/funcworker/internal/entrypoint"
)

// Plugin is an entry point backed by a compiled WASI command
type Plugin struct {
	name     string
	sig      entrypoint.Signature
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Name implements entrypoint.EntryPoint
func (p *Plugin) Name() string { return p.name }

// Signature implements entrypoint.EntryPoint
func (p *Plugin) Signature() entrypoint.Signature { return p.sig }

type pluginResult struct {
	Return  any
	Outputs map[string]any
}

// Call runs one fresh module instance. Cancelling ctx closes the instance
func (p *Plugin) Call(ctx context.Context, args []any) (any, error) {
	if len(args) != len(p.sig.Params) {
		return nil, fmt.Errorf("%s: expected %d arguments, got %d", p.name, len(p.sig.Params), len(args))
	}

	input, handles, err := p.encodeArgs(args)
	if err != nil {
		return nil, err
	}

	var stdout bytes.Buffer
	stderr := &lineWriter{logger: entrypoint.LoggerFrom(ctx)}

	moduleConfig := wazero.NewModuleConfig().
		WithStdin(strings.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(stderr).
		WithArgs(p.name).
		WithName("")

	mod, err := p.runtime.InstantiateModule(ctx, p.compiled, moduleConfig)
	if mod != nil {
		_ = mod.Close(ctx)
	}
	stderr.Flush()

	if err := exitError(ctx, err); err != nil {
		return nil, fmt.Errorf("plug-in %s: %w", p.name, err)
	}

	result, err := p.decodeResult(stdout.Bytes())
	if err != nil {
		return nil, fmt.Errorf("plug-in %s: %w", p.name, err)
	}

	for name, out := range handles {
		if v, ok := result.Outputs[name]; ok {
			converted, err := fromJSON(v, p.paramType(name))
			if err != nil {
				return nil, binding.WithParam(err, name)
			}
			out.Set(converted)
		}
	}

	if p.sig.Return == nil {
		return nil, nil
	}
	if len(p.sig.Return.Fields) == 0 {
		return fromJSON(result.Return, p.sig.Return.Type)
	}
	record, ok := result.Return.(map[string]any)
	if !ok {
		if result.Return == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("plug-in %s: record return must be a JSON object", p.name)
	}
	for _, f := range p.sig.Return.Fields {
		if v, ok := record[f.Name]; ok {
			converted, err := fromJSON(v, f.Type)
			if err != nil {
				return nil, binding.WithParam(err, f.Name)
			}
			record[f.Name] = converted
		}
	}
	return record, nil
}

// exitError maps a WASI exit to an error; exit code zero is success
func exitError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == 0 {
			return nil
		}
		return fmt.Errorf("exited with code %d", exitErr.ExitCode())
	}
	return fmt.Errorf("execution failed: %w", err)
}

func (p *Plugin) paramType(name string) string {
	for _, param := range p.sig.Params {
		if param.Name == name {
			return param.Type
		}
	}
	return ""
}

// encodeArgs renders the bound arguments as the stdin document and
// collects output handles by name
func (p *Plugin) encodeArgs(args []any) (string, map[string]*entrypoint.Out, error) {
	doc := make(map[string]any, len(args))
	handles := make(map[string]*entrypoint.Out)

	for i, param := range p.sig.Params {
		switch param.Kind {
		case entrypoint.ParamHandle:
			out, ok := args[i].(*entrypoint.Out)
			if !ok {
				return "", nil, fmt.Errorf("%s: parameter %q expects an output handle", p.name, param.Name)
			}
			handles[param.Name] = out
			if v, set := out.Get(); set {
				doc[param.Name] = toJSON(v)
			}
		case entrypoint.ParamSlot:
			switch param.Slot {
			case entrypoint.SlotInvocationID:
				doc[param.Name] = args[i]
			case entrypoint.SlotTraceContext:
				if tc, ok := args[i].(entrypoint.TraceContext); ok {
					doc[param.Name] = map[string]any{
						"traceParent": tc.TraceParent,
						"traceState":  tc.TraceState,
						"attributes":  tc.Attributes,
					}
				}
			}
		default:
			doc[param.Name] = toJSON(args[i])
		}
	}

	input, err := binding.EncodeJSON(doc)
	if err != nil {
		return "", nil, fmt.Errorf("%s: encode arguments: %w", p.name, err)
	}
	return input, handles, nil
}

func (p *Plugin) decodeResult(out []byte) (*pluginResult, error) {
	result := &pluginResult{}
	if len(bytes.TrimSpace(out)) == 0 {
		return result, nil
	}

	doc, err := binding.DecodeJSON(out)
	if err != nil {
		return nil, fmt.Errorf("invalid result document: %w", err)
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, errors.New("result document must be a JSON object")
	}

	result.Return = obj["return"]
	if outputs, ok := obj["outputs"]; ok && outputs != nil {
		m, ok := outputs.(map[string]any)
		if !ok {
			return nil, errors.New("result outputs must be a JSON object")
		}
		result.Outputs = m
	}
	return result, nil
}

// toJSON converts a bound argument into a value encoding/json renders the
// way plug-ins expect. Bytes travel base64-encoded
func toJSON(v any) any {
	switch val := v.(type) {
	case *binding.HTTPRequest:
		doc := map[string]any{
			"method":  val.Method,
			"headers": map[string][]string(val.Header),
			"query":   map[string][]string(val.Query),
			"body":    val.Body,
		}
		if val.URL != nil {
			doc["url"] = val.URL.String()
		}
		return doc
	case *binding.HTTPResponse:
		return map[string]any{
			"statusCode": val.StatusCode,
			"headers":    map[string][]string(val.Header),
			"body":       val.Body,
		}
	case *binding.QueueMessage:
		return map[string]any{
			"id":           val.ID,
			"body":         val.Body,
			"dequeueCount": val.DequeueCount,
			"insertedAt":   val.InsertedAt,
			"properties":   val.Properties,
		}
	case *binding.TimerInfo:
		return map[string]any{
			"scheduledAt": val.ScheduledAt,
			"last":        val.Last,
			"next":        val.Next,
			"isPastDue":   val.IsPastDue,
		}
	case *binding.Document:
		return val.Value()
	case *binding.Struct:
		return val.AsMap()
	case *structpb.Struct:
		return val.AsMap()
	default:
		return v
	}
}

// fromJSON converts a decoded plug-in value to the Go value the binding
// layer expects for declaredType
func fromJSON(v any, declaredType string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch declaredType {
	case binding.TypeBytes:
		s, ok := v.(string)
		if !ok {
			return v, nil
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%w: bytes output is not base64: %v", binding.ErrBinding, err)
		}
		return b, nil
	case binding.TypeHTTPResponse:
		m, ok := v.(map[string]any)
		if !ok {
			return v, nil
		}
		return httpResponse(m)
	}
	return v, nil
}

func httpResponse(m map[string]any) (*binding.HTTPResponse, error) {
	resp := &binding.HTTPResponse{Header: http.Header{}}

	if code, ok := m["statusCode"].(json.Number); ok {
		n, err := code.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: statusCode %s is not an integer", binding.ErrBinding, code)
		}
		resp.StatusCode = int(n)
	}
	if headers, ok := m["headers"].(map[string]any); ok {
		for name, values := range headers {
			switch vs := values.(type) {
			case string:
				resp.Header.Add(name, vs)
			case []any:
				for _, v := range vs {
					if s, ok := v.(string); ok {
						resp.Header.Add(name, s)
					}
				}
			}
		}
	}
	if body, ok := m["body"].(string); ok {
		b, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			b = []byte(body)
		}
		resp.Body = b
	}
	return resp, nil
}

// lineWriter forwards complete stderr lines to the invocation logger
type lineWriter struct {
	logger *slog.Logger
	mu     sync.Mutex
	buf    []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush emits a trailing partial line
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	text := strings.TrimRight(string(line), "\r")
	if text == "" {
		return
	}
	w.logger.Info(text)
}
