package collectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"arb-market/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveOKXProxy(t *testing.T) {
	tests := []struct {
		name    string
		env     string
		proxy   string
		want    string
		wantErr error
	}{
		{"local requires proxy", "local", "", "", ErrProxyRequired},
		{"development requires proxy", "development", "", "", ErrProxyRequired},
		{"development with proxy", "development", "socks5://127.0.0.1:1080", "socks5://127.0.0.1:1080", nil},
		{"production forbids proxy", "production", "socks5://127.0.0.1:1080", "", ErrProxyForbidden},
		{"production direct", "production", "", "", nil},
		{"staging optional", "staging", "", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveOKXProxy(tt.env, tt.proxy)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckProxyHealth(t *testing.T) {
	t.Run("forbidden still counts as reachable", func(t *testing.T) {
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer proxy.Close()

		assert.NoError(t, CheckProxyHealth(context.Background(), proxy.URL, "http://www.okx.example/"))
	})

	t.Run("server error is unreachable", func(t *testing.T) {
		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer proxy.Close()

		err := CheckProxyHealth(context.Background(), proxy.URL, "http://www.okx.example/")
		assert.ErrorIs(t, err, ErrProxyUnreachable)
	})

	t.Run("refused connection", func(t *testing.T) {
		err := CheckProxyHealth(context.Background(), "http://127.0.0.1:1", "http://www.okx.example/")
		assert.ErrorIs(t, err, ErrProxyUnreachable)
	})
}

type fakeCollector struct {
	name     string
	startErr error

	mu      sync.Mutex
	starts  int
	stops   int
	running bool
}

func (f *fakeCollector) Name() string { return f.name }

func (f *fakeCollector) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.running = true
	return nil
}

func (f *fakeCollector) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.running = false
}

func (f *fakeCollector) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return State{Exchange: f.name, Running: f.running, Connected: f.running}
}

func TestSupervisorLifecycle(t *testing.T) {
	a := &fakeCollector{name: "binance"}
	b := &fakeCollector{name: "kucoin"}
	s := NewSupervisorWith(quietLogger(), a, b)

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, a.starts)
	assert.Equal(t, 2, s.ConnectedCount())

	require.NoError(t, s.Restart(context.Background()))
	assert.Equal(t, 2, a.starts)
	assert.Equal(t, 1, a.stops)

	s.Stop()
	s.Stop()
	assert.Equal(t, 2, b.stops)
	assert.False(t, s.Running())
	assert.Equal(t, 0, s.ConnectedCount())
}

func TestSupervisorRollsBackOnStartFailure(t *testing.T) {
	a := &fakeCollector{name: "binance"}
	b := &fakeCollector{name: "okx", startErr: ErrProxyUnreachable}
	s := NewSupervisorWith(quietLogger(), a, b)

	err := s.Start(context.Background())
	assert.True(t, errors.Is(err, ErrProxyUnreachable))
	assert.Equal(t, 1, a.stops)
	assert.False(t, s.Running())
}

func TestNewSupervisorAppliesProxyRules(t *testing.T) {
	cfg, err := config.Load(config.New(), "")
	require.NoError(t, err)

	cfg.Server.Environment = "development"
	cfg.Exchange.OKXProxy = ""
	_, err = NewSupervisor(cfg, Options{Mapper: testMapper(), Logger: quietLogger()})
	assert.ErrorIs(t, err, ErrProxyRequired)

	cfg.Server.Environment = "production"
	s, err := NewSupervisor(cfg, Options{Mapper: testMapper(), Logger: quietLogger()})
	require.NoError(t, err)

	var names []string
	for _, st := range s.States() {
		names = append(names, st.Exchange)
	}
	assert.Equal(t, []string{"binance", "kucoin", "okx"}, names)

	cfg.Exchange.Exchanges = []string{"kraken"}
	_, err = NewSupervisor(cfg, Options{Mapper: testMapper(), Logger: quietLogger()})
	assert.Error(t, err)
}
