package tracing

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fhaynes/saga/pkg/logger"
)

func TestSpanTree(t *testing.T) {
	assert := require.New(t)
	ctx := logger.WithRequestID(context.Background(), "req-1")

	ctx, root := Start(ctx, "root")
	assert.Equal("req-1", root.TraceID)
	assert.Same(root, FromContext(ctx))

	_, child := Start(ctx, "child")
	child.SetAttr("doc_id", 7)
	child.End(errors.New("not found"))
	root.End(nil)

	assert.Equal("req-1", child.TraceID)
	assert.Equal([]*Span{child}, root.Children())

	var buf bytes.Buffer
	root.Log(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(lines, 2)
	assert.Contains(lines[1], `"span":"child"`)
	assert.Contains(lines[1], `"depth":1`)
	assert.Contains(lines[1], `"error":"not found"`)
	assert.Contains(lines[1], `"doc_id":7`)
}

func TestMiddlewareInstallsRootSpan(t *testing.T) {
	var seen *Span
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/nodes", nil))
	require.NotNil(t, seen)
	require.Equal(t, "GET /api/v1/nodes", seen.Name)
	require.Nil(t, FromContext(context.Background()))
}
