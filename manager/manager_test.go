package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager(t *testing.T) {
	ctx := context.Background()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	config := DefaultConfig()
	config.Listener = l
	config.Store.Path = filepath.Join(t.TempDir(), "ipam.db")

	m, err := New(ctx, config)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	base := fmt.Sprintf("http://%s", l.Addr())
	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get(base + "/health")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
	assert.Equal(t, l.Addr().String(), m.Addr().String())

	resp, err = http.Post(base+"/allocate", "application/json", strings.NewReader(`{"name": "test-001", "cluster": "ocpv04"}`))
	require.NoError(t, err)
	var created struct {
		EnvVars map[string]string `json:"env_vars"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "192.168.4.1", created.EnvVars["EXTERNAL_IP_WORKER_1"])

	// the collector follows the engine
	require.Eventually(t, func() bool {
		return m.collector.Labs()["ocpv04"] == 1
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(stopCtx))
	assert.NoError(t, <-done)

	// the allocation survives a restart
	config.Listener = nil
	a, s, err := NewAllocator(ctx, config)
	require.NoError(t, err)
	defer s.Close()
	defer a.Close()
	alloc, err := a.Get(ctx, "test-001", "ocpv04")
	require.NoError(t, err)
	assert.Equal(t, "192.168.4.1", alloc.Addresses[0].String())
}

func TestManagerRejectsNetworkChange(t *testing.T) {
	ctx := context.Background()
	config := DefaultConfig()
	config.Store.Path = filepath.Join(t.TempDir(), "ipam.db")

	a, s, err := NewAllocator(ctx, config)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, "test-001", "")
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, s.Close())

	config.NetworkCIDR = "10.0.0.0/16"
	_, err = New(ctx, config)
	assert.Error(t, err)
}

func TestStopWithoutRun(t *testing.T) {
	config := DefaultConfig()
	config.Store.Driver = DriverMemory

	m, err := New(context.Background(), config)
	require.NoError(t, err)
	assert.Nil(t, m.Addr())
	assert.NoError(t, m.Stop(context.Background()))
}
