package collectors

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"arb-market/internal/config"
	"arb-market/internal/models"

	"github.com/sirupsen/logrus"
)

// Supervisor is the single owner of collector lifecycles
type Supervisor struct {
	collectors []Collector
	logger     *logrus.Logger

	mu      sync.Mutex
	running bool
}

// NewSupervisor builds one collector per configured exchange. The OKX proxy
// rules are applied here so a bad environment fails before anything connects.
func NewSupervisor(cfg *config.Config, opts Options) (*Supervisor, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	exchanges := append([]string(nil), cfg.Exchange.Exchanges...)
	sort.Strings(exchanges)

	var list []Collector
	for _, ex := range exchanges {
		switch ex {
		case models.ExchangeBinance:
			list = append(list, NewBinanceCollector(cfg.Exchange.BinanceWSURL, opts))
		case models.ExchangeOKX:
			proxyURL, err := ResolveOKXProxy(cfg.Server.Environment, cfg.Exchange.OKXProxy)
			if err != nil {
				return nil, err
			}
			list = append(list, NewOKXCollector(cfg.Exchange.OKXWSURL, proxyURL, opts))
		case models.ExchangeKuCoin:
			list = append(list, NewKuCoinCollector(cfg.Exchange.KuCoinBullet, opts))
		default:
			return nil, fmt.Errorf("unsupported exchange %q", ex)
		}
	}

	return NewSupervisorWith(opts.Logger, list...), nil
}

// NewSupervisorWith wraps already constructed collectors
func NewSupervisorWith(logger *logrus.Logger, collectors ...Collector) *Supervisor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Supervisor{collectors: collectors, logger: logger}
}

// Start starts every collector. If one refuses to start the ones already
// running are stopped and the error is returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	for i, c := range s.collectors {
		if err := c.Start(ctx); err != nil {
			for _, started := range s.collectors[:i] {
				started.Stop()
			}
			return fmt.Errorf("start %s collector: %w", c.Name(), err)
		}
	}
	s.running = true

	s.logger.WithField("collectors", len(s.collectors)).Info("Collectors started")
	return nil
}

// Stop stops every collector and waits for their loops to exit
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	var wg sync.WaitGroup
	for _, c := range s.collectors {
		wg.Add(1)
		go func(c Collector) {
			defer wg.Done()
			c.Stop()
		}(c)
	}
	wg.Wait()
	s.running = false

	s.logger.Info("Collectors stopped")
}

// Restart stops then starts every collector
func (s *Supervisor) Restart(ctx context.Context) error {
	s.Stop()
	return s.Start(ctx)
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// States reports every collector, ordered by exchange
func (s *Supervisor) States() []State {
	out := make([]State, 0, len(s.collectors))
	for _, c := range s.collectors {
		out = append(out, c.State())
	}
	return out
}

// ConnectedCount is the number of collectors with a live connection
func (s *Supervisor) ConnectedCount() int {
	n := 0
	for _, st := range s.States() {
		if st.Connected {
			n++
		}
	}
	return n
}
