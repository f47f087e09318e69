package metrics

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestNewIsRepeatable(t *testing.T) {
	assert := require.New(t)
	a := New()
	b := New()
	a.DocsIndexedTotal.WithLabelValues("books", "primary").Inc()
	assert.Equal(1.0, testutil.ToFloat64(a.DocsIndexedTotal.WithLabelValues("books", "primary")))
	assert.Equal(0.0, testutil.ToFloat64(b.DocsIndexedTotal.WithLabelValues("books", "primary")))
}

func TestHandlerExposesCollectors(t *testing.T) {
	assert := require.New(t)
	m := New()
	m.RPCMessagesTotal.WithLabelValues("REGISTER").Add(2)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	assert.NoError(err)
	assert.True(strings.Contains(string(body), `saga_rpc_messages_total{message_type="REGISTER"} 2`))
}

func TestServeStopsWithContext(t *testing.T) {
	assert := require.New(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(err)
	port := ln.Addr().(*net.TCPAddr).Port
	assert.NoError(ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, port, New()) }()

	url := fmt.Sprintf("http://127.0.0.1:%d/metrics", port)
	assert.Eventually(func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(10 * time.Second):
		t.Fatal("metrics server did not stop")
	}
}
