package bootstrap

import (
	"context"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_ServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan net.Addr, 1)
	var order []string

	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, AppInfo{
			ServiceName: "bootstrap-test",
			Port:        0,
			RegisterHandlers: func(app AppCtx) {
				app.Mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
					_, _ = w.Write([]byte("pong"))
				})
			},
			OnShutdown: []func(context.Context) error{
				func(context.Context) error { order = append(order, "first"); return nil },
				func(context.Context) error { order = append(order, "second"); return nil },
			},
			Ready: func(addr net.Addr) { addrCh <- addr },
		})
	}()

	var addr net.Addr
	select {
	case addr = <-addrCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server did not start")
	}

	resp, err := http.Get("http://" + addr.String() + "/ping")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "pong", string(body))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.Equal(t, []string{"second", "first"}, order)
}
