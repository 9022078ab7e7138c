// Package tool implements the fetch-url tool: URL validation, cache
// lookup, the SSRF-guarded fetch, Markdown translation and result
// shaping, plus the task-augmented variant of the same pipeline.
package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/cache"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/fetch"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/task"
	"github.com/j0hanz/fetch-url-mcp-sub000/internal/urlutil"
)

// Name is the tool name advertised in tools/list.
const Name = "fetch-url"

const (
	cacheNamespace = "fetch-url"

	// DefaultTranslateTimeout bounds a single Markdown translation.
	DefaultTranslateTimeout = 10 * time.Second

	// callTimeoutPadding absorbs pipeline overhead beyond the fetch and
	// translation budgets when sizing a detached flight.
	callTimeoutPadding = 5 * time.Second

	// Task TTL bounds accepted on the wire, in milliseconds.
	MinTaskTTLMS = 1_000
	MaxTaskTTLMS = 86_400_000

	// callSteps is the progress total reported for one call.
	callSteps = 3
)

// ErrInvalidTaskTTL rejects task creation when the requested ttl falls
// outside [MinTaskTTLMS, MaxTaskTTLMS].
var ErrInvalidTaskTTL = errors.New("task ttl out of range")

// Args are the tool call arguments after JSON decoding.
type Args struct {
	URL              string `json:"url"`
	ForceRefresh     bool   `json:"forceRefresh,omitempty"`
	SkipNoiseRemoval bool   `json:"skipNoiseRemoval,omitempty"`
}

// Caller identifies the requesting client for task ownership scoping.
type Caller struct {
	SessionID   string
	ClientID    string
	TokenDigest string
}

// OwnerKey scopes tasks to the caller: session id first, then the
// authenticated client id, then the bearer token digest, falling back
// to a shared default bucket.
func (c Caller) OwnerKey() string {
	switch {
	case c.SessionID != "":
		return c.SessionID
	case c.ClientID != "":
		return c.ClientID
	case c.TokenDigest != "":
		return c.TokenDigest
	}
	return "default"
}

// ProgressFunc receives coarse pipeline progress for one call.
type ProgressFunc func(ctx context.Context, progress, total float64, message string)

// CallRequest is one tool invocation.
type CallRequest struct {
	Args     Args
	Caller   Caller
	Progress ProgressFunc // nil disables progress reporting
}

// Content is one content block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Result is the tool call result. Pipeline failures are reported
// in-band with IsError set and a machine-readable JSON payload in the
// first text block.
type Result struct {
	Content           []Content      `json:"content"`
	StructuredContent map[string]any `json:"structuredContent,omitempty"`
	IsError           bool           `json:"isError,omitempty"`
	Meta              map[string]any `json:"_meta,omitempty"`
}

// Definition describes the tool for tools/list.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// FetchURL wires the fetch pipeline: normalizer, SSRF-guarded fetcher,
// cache, translator and task manager. Concurrent calls for the same
// URL variant share a single upstream fetch.
type FetchURL struct {
	Normalizer *urlutil.Normalizer
	Fetcher    *fetch.Client
	Cache      *cache.Cache
	Tasks      *task.Manager
	Translator Translator
	Telemetry  *fetch.Telemetry

	// MaxBytes caps decoded response bytes handed to the reader.
	MaxBytes int64
	// MaxInlineChars caps the markdown returned inline; the full text is
	// still cached. Zero means unlimited.
	MaxInlineChars int
	// TranslateTimeout bounds one translation. Zero uses the default.
	TranslateTimeout time.Duration

	group singleflight.Group
}

// Definition returns the tools/list entry for fetch-url.
func (f *FetchURL) Definition() Definition {
	return Definition{
		Name: Name,
		Description: "Fetch a public http(s) URL and return its content as Markdown. " +
			"Results are cached; set forceRefresh to bypass the cache.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Absolute http(s) URL to fetch.",
				},
				"forceRefresh": map[string]any{
					"type":        "boolean",
					"description": "Bypass the cache and fetch the live document.",
				},
				"skipNoiseRemoval": map[string]any{
					"type":        "boolean",
					"description": "Translate the full document without noise stripping.",
				},
			},
			"required": []string{"url"},
		},
	}
}

// Call runs the pipeline synchronously. Pipeline failures come back as
// in-band error results, never as Go errors.
func (f *FetchURL) Call(ctx context.Context, req CallRequest) *Result {
	res, _ := f.call(ctx, req)
	return res
}

// CallAsync registers a task for the call and runs the pipeline on a
// background goroutine bound to the task's execution context. The
// returned snapshot feeds the caller's CreateTaskResult payload.
func (f *FetchURL) CallAsync(ctx context.Context, req CallRequest, ttlMS int64) (task.Task, error) {
	if ttlMS < MinTaskTTLMS || ttlMS > MaxTaskTTLMS {
		return task.Task{}, fmt.Errorf("%w: %d", ErrInvalidTaskTTL, ttlMS)
	}

	t, err := f.Tasks.Create(time.Duration(ttlMS)*time.Millisecond, "fetching "+req.Args.URL, req.Caller.OwnerKey())
	if err != nil {
		return task.Task{}, err
	}

	// The execution outlives the RPC that spawned it, so detach from the
	// request's cancellation while keeping its values for logging.
	execCtx, release := f.Tasks.BindExecution(context.WithoutCancel(ctx), t.ID)
	go func() {
		defer release()
		f.runTask(execCtx, t.ID, req)
	}()
	return t, nil
}

func (f *FetchURL) runTask(ctx context.Context, id string, req CallRequest) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "task execution panicked", "task_id", id, "panic", rec)
			f.Tasks.Update(id, task.Patch{
				Status: task.StatusFailed,
				Error:  &task.Error{Code: -32603, Message: "internal error"},
			})
		}
	}()

	res, fe := f.call(ctx, req)
	if fe != nil {
		f.Tasks.Update(id, task.Patch{
			Status:        task.StatusFailed,
			StatusMessage: fe.Message,
			Result:        res,
			Error:         &task.Error{Code: -32603, Message: fe.Message, Data: fe.Detail()},
		})
		return
	}
	f.Tasks.Update(id, task.Patch{
		Status:        task.StatusCompleted,
		StatusMessage: "fetch completed",
		Result:        res,
	})
}

func (f *FetchURL) call(ctx context.Context, req CallRequest) (*Result, *fetch.Error) {
	report := func(progress float64, msg string) {
		if req.Progress != nil {
			req.Progress(ctx, progress, callSteps, msg)
		}
	}

	norm, err := f.Normalizer.Normalize(req.Args.URL)
	if err != nil {
		return failure(req.Args.URL, err)
	}
	report(1, "URL validated")

	fetchURL := norm.URL
	resolvedURL := ""
	if tr := urlutil.TransformToRaw(norm.URL); tr.Transformed {
		renorm, err := f.Normalizer.Normalize(tr.URL)
		if err != nil {
			return failure(req.Args.URL, err)
		}
		fetchURL = renorm.URL
		resolvedURL = renorm.URL
	}

	key := cache.Key(cacheNamespace, fetchURL, varyOf(req.Args))
	if !req.Args.ForceRefresh {
		if entry, ok := f.Cache.Get(key, false); ok {
			report(callSteps, "served from cache")
			out := outcome{
				markdown:    entry.Content,
				title:       entry.Title,
				finalURL:    entry.URL,
				resolvedURL: resolvedURL,
			}
			return f.success(key, out), nil
		}
	}

	out, fe := f.fetchShared(ctx, fetchURL, req.Args.SkipNoiseRemoval)
	if fe != nil {
		return failure(req.Args.URL, fe)
	}
	out.resolvedURL = resolvedURL
	report(2, "content fetched")

	f.Cache.Set(key, out.markdown, cache.Meta{URL: out.finalURL, Title: out.title}, false)
	report(callSteps, "completed")
	return f.success(key, out), nil
}

// outcome carries one pipeline run's output into result shaping.
type outcome struct {
	markdown    string
	title       string
	finalURL    string
	resolvedURL string
	statusCode  int
	truncated   bool
}

// fetchShared deduplicates concurrent fetches of the same URL variant.
// The flight runs detached from any single caller so an abandoning
// waiter cannot poison the result for the rest; its lifetime is capped
// by the combined pipeline budget instead.
func (f *FetchURL) fetchShared(ctx context.Context, rawURL string, skipNoise bool) (outcome, error) {
	flightKey := rawURL
	if skipNoise {
		flightKey += "|skip-noise"
	}

	ch := f.group.DoChan(flightKey, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.callTimeout())
		defer cancel()
		return f.fetchOnce(fctx, rawURL, skipNoise)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return outcome{}, res.Err
		}
		return res.Val.(outcome), nil
	case <-ctx.Done():
		return outcome{}, ctx.Err()
	}
}

func (f *FetchURL) fetchOnce(ctx context.Context, rawURL string, skipNoise bool) (outcome, error) {
	finish := f.Telemetry.Start(ctx, http.MethodGet, rawURL)

	r, err := f.Fetcher.Do(ctx, rawURL)
	if err != nil {
		finish(0, err)
		return outcome{}, err
	}

	status := r.Response.StatusCode
	if status == http.StatusTooManyRequests {
		retryAfter := fetch.ParseRetryAfter(r.Response.Header.Get("Retry-After"))
		r.Response.Body.Close()
		fe := fetch.RateLimited(rawURL, retryAfter)
		finish(status, fe)
		return outcome{}, fe
	}
	if status >= http.StatusBadRequest {
		r.Response.Body.Close()
		fe := fetch.HTTPStatus(rawURL, status)
		finish(status, fe)
		return outcome{}, fe
	}

	rr, err := fetch.Read(ctx, r.Response, rawURL, fetch.ReadOptions{MaxBytes: f.MaxBytes})
	if err != nil {
		finish(status, err)
		return outcome{}, err
	}
	finish(status, nil)

	tctx, cancel := context.WithTimeout(ctx, f.translateTimeout())
	defer cancel()
	md, err := f.Translator.Translate(tctx, Document{URL: r.FinalURL, HTML: rr.Text, SkipNoiseRemoval: skipNoise})
	if err != nil {
		return outcome{}, &fetch.Error{
			Kind:       fetch.KindUnknown,
			StatusCode: http.StatusInternalServerError,
			Message:    fmt.Sprintf("markdown translation failed: %v", err),
			URL:        rawURL,
		}
	}

	return outcome{
		markdown:   md.Text,
		title:      md.Title,
		finalURL:   r.FinalURL,
		statusCode: status,
		truncated:  rr.Truncated,
	}, nil
}

func (f *FetchURL) success(key string, out outcome) *Result {
	inline := capChars(out.markdown, f.MaxInlineChars)

	structured := map[string]any{
		"markdown":  inline,
		"truncated": out.truncated,
		"finalUrl":  out.finalURL,
	}
	if out.title != "" {
		structured["title"] = out.title
	}
	if out.resolvedURL != "" {
		structured["resolvedUrl"] = out.resolvedURL
	}
	if out.statusCode != 0 {
		structured["statusCode"] = out.statusCode
	}
	if f.Cache.Enabled() {
		if uri, ok := cache.ResourceURI(key); ok {
			structured["cacheResourceUri"] = uri
		}
	}

	return &Result{
		Content:           []Content{{Type: "text", Text: inline}},
		StructuredContent: structured,
	}
}

// failure classifies err and shapes it into an isError result whose
// first text block is a machine-readable JSON payload.
func failure(rawURL string, err error) (*Result, *fetch.Error) {
	fe := fetch.Classify(rawURL, err)
	payload := map[string]any{
		"error": fe.Message,
		"url":   fe.URL,
	}
	if fe.StatusCode != 0 {
		payload["statusCode"] = fe.StatusCode
	}
	if d := fe.Detail(); len(d) > 0 {
		payload["details"] = d
	}
	raw, merr := json.Marshal(payload)
	if merr != nil {
		raw = []byte(`{"error":"internal error"}`)
	}
	return &Result{
		IsError: true,
		Content: []Content{{Type: "text", Text: string(raw)}},
	}, fe
}

func (f *FetchURL) callTimeout() time.Duration {
	ft := f.Fetcher.Timeout
	if ft <= 0 {
		ft = fetch.DefaultTimeout
	}
	return ft + f.translateTimeout() + callTimeoutPadding
}

func (f *FetchURL) translateTimeout() time.Duration {
	if f.TranslateTimeout > 0 {
		return f.TranslateTimeout
	}
	return DefaultTranslateTimeout
}

// varyOf returns the cache key variant for argument combinations that
// change the produced markdown.
func varyOf(args Args) string {
	if args.SkipNoiseRemoval {
		return `{"skipNoiseRemoval":true}`
	}
	return ""
}

// capChars truncates s to at most limit runes without splitting one.
func capChars(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	runes := 0
	for i := range s {
		if runes == limit {
			return s[:i]
		}
		runes++
	}
	return s
}
