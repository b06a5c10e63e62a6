package jsengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/devicelab-dev/stepflow/pkg/logger"
)

// httpModule returns the http object: get, post, put, delete and
// request(method, url, options). Requests made during a step honor the
// step's context.
func (e *Engine) httpModule() *goja.Object {
	obj := e.runtime.NewObject()

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete} {
		method := method
		obj.Set(strings.ToLower(method), func(call goja.FunctionCall) goja.Value {
			return e.doHTTPRequest(method, call.Arguments)
		})
	}

	obj.Set("request", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(e.runtime.NewTypeError("http.request requires method and url"))
		}
		return e.doHTTPRequest(strings.ToUpper(call.Arguments[0].String()), call.Arguments[1:])
	})

	return obj
}

// HTTPResponse is the object returned to scripts.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
	Ok      bool              `json:"ok"`
	JSON    interface{}       `json:"json"`
}

type httpOptions struct {
	body    io.Reader
	headers map[string]string
	timeout time.Duration
}

func parseHTTPOptions(v goja.Value) httpOptions {
	opts := httpOptions{headers: make(map[string]string)}
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return opts
	}
	m, ok := v.Export().(map[string]interface{})
	if !ok {
		return opts
	}

	if h, ok := m["headers"].(map[string]interface{}); ok {
		for k, val := range h {
			opts.headers[k] = fmt.Sprintf("%v", val)
		}
	}

	switch b := m["body"].(type) {
	case string:
		opts.body = strings.NewReader(b)
	case nil:
	default:
		data, err := json.Marshal(b)
		if err == nil {
			opts.body = bytes.NewReader(data)
			if _, set := opts.headers["Content-Type"]; !set {
				opts.headers["Content-Type"] = "application/json"
			}
		}
	}

	switch t := m["timeout"].(type) {
	case int64:
		opts.timeout = time.Duration(t) * time.Millisecond
	case float64:
		opts.timeout = time.Duration(t * float64(time.Millisecond))
	}
	return opts
}

func (e *Engine) doHTTPRequest(method string, args []goja.Value) goja.Value {
	if len(args) < 1 {
		panic(e.runtime.NewTypeError(fmt.Sprintf("http.%s requires url", strings.ToLower(method))))
	}
	url := args[0].String()
	var optArg goja.Value
	if len(args) > 1 {
		optArg = args[1]
	}
	opts := parseHTTPOptions(optArg)

	ctx := context.Background()
	if e.steps != nil && e.steps.ctx != nil {
		ctx = e.steps.ctx
	}
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, url, opts.body)
	if err != nil {
		panic(e.runtime.NewTypeError(fmt.Sprintf("failed to create request: %v", err)))
	}
	for k, v := range opts.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := e.http.Do(req)
	if err != nil {
		logger.Debug("js: %s %s failed after %v: %v", method, url, time.Since(start), err)
		panic(e.runtime.NewGoError(fmt.Errorf("HTTP request failed: %w", err)))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(e.runtime.NewGoError(fmt.Errorf("failed to read response: %w", err)))
	}
	logger.Debug("js: %s %s -> %d [%v]", method, url, resp.StatusCode, time.Since(start))

	out := HTTPResponse{
		Status:  resp.StatusCode,
		Body:    string(body),
		Headers: make(map[string]string, len(resp.Header)),
		Ok:      resp.StatusCode >= 200 && resp.StatusCode < 300,
	}
	for k, v := range resp.Header {
		if len(v) > 0 {
			out.Headers[k] = v[0]
		}
	}
	var parsed interface{}
	if json.Unmarshal(body, &parsed) == nil {
		out.JSON = parsed
	}

	obj := e.runtime.NewObject()
	obj.Set("status", out.Status)
	obj.Set("body", out.Body)
	obj.Set("headers", out.Headers)
	obj.Set("ok", out.Ok)
	if out.JSON != nil {
		obj.Set("json", out.JSON)
	} else {
		obj.Set("json", goja.Null())
	}
	return obj
}
