package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/j0hanz/fetch-url-mcp-sub000/internal/reqctx"
)

func TestContextHandler_IncludesCorrelationIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := reqctx.With(context.Background(), reqctx.Info{
		RequestID:   "req-123",
		OperationID: "op-456",
		SessionID:   "sess-789",
	})
	logger.InfoContext(ctx, "test message")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-123", entry["request_id"])
	assert.Equal(t, "op-456", entry["operation_id"])
	assert.Equal(t, "sess-789", entry["session_id"])
	assert.Equal(t, "test message", entry["msg"])
}

func TestContextHandler_PartialInfo_OmitsEmptyFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := reqctx.With(context.Background(), reqctx.Info{RequestID: "req-only"})
	logger.InfoContext(ctx, "partial")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-only", entry["request_id"])
	assert.Nil(t, entry["operation_id"])
	assert.Nil(t, entry["session_id"])
}

func TestContextHandler_BareContext_OmitsFields(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no ids")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Nil(t, entry["request_id"])
	assert.Equal(t, "no ids", entry["msg"])
}

func TestContextHandler_WithAttrs_Preserves(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("service", "fetchd")

	ctx := reqctx.With(context.Background(), reqctx.Info{RequestID: "req-456"})
	logger.InfoContext(ctx, "with attrs")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "req-456", entry["request_id"])
	assert.Equal(t, "fetchd", entry["service"])
}

func TestContextHandler_WithGroup_Preserves(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewContextHandler(slog.NewJSONHandler(&buf, nil))).WithGroup("http")

	ctx := reqctx.With(context.Background(), reqctx.Info{RequestID: "req-789"})
	logger.InfoContext(ctx, "grouped")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	// When a group is active, record.AddAttrs places the ids inside it.
	httpGroup, ok := entry["http"].(map[string]interface{})
	require.True(t, ok, "expected 'http' group in log entry")
	assert.Equal(t, "req-789", httpGroup["request_id"])
}
