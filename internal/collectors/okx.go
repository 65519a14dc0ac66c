package collectors

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"arb-market/internal/models"

	"github.com/gorilla/websocket"
)

const (
	DefaultOKXWSURL = "wss://ws.okx.com:8443/ws/v5/public"

	okxPingInterval = 20 * time.Second // OKX drops idle connections after 30s
)

// OKXCollector streams the tickers channel from OKX, through the mandated
// proxy when one is configured.
type OKXCollector struct {
	*wsCollector
	healthURL string
}

// NewOKXCollector creates the collector. proxyURL must come from ResolveOKXProxy.
func NewOKXCollector(wsURL, proxyURL string, opts Options) *OKXCollector {
	if wsURL == "" {
		wsURL = DefaultOKXWSURL
	}
	proto := &okxProtocol{url: wsURL, mapper: opts.Mapper, now: opts.clock()}
	c := &OKXCollector{
		wsCollector: newWSCollector(models.ExchangeOKX, proto, opts.Sink, opts.Mapper, opts.limiter(models.ExchangeOKX), opts.Logger),
		healthURL:   OKXHealthURL,
	}
	c.proxyURL = proxyURL
	return c
}

// Start verifies the proxy before connecting. An unreachable proxy refuses
// the start instead of falling back to a direct connection.
func (c *OKXCollector) Start(ctx context.Context) error {
	if c.proxyURL != "" {
		if err := CheckProxyHealth(ctx, c.proxyURL, c.healthURL); err != nil {
			return err
		}
		c.logger.WithField("exchange", c.name).Info("OKX proxy health check passed")
	}
	return c.wsCollector.Start(ctx)
}

type okxTicker struct {
	InstID string `json:"instId"`
	BidPx  string `json:"bidPx"`
	AskPx  string `json:"askPx"`
	Ts     string `json:"ts"`
}

type okxMessage struct {
	Event string      `json:"event"`
	Data  []okxTicker `json:"data"`
}

type okxProtocol struct {
	url    string
	mapper SymbolMapper
	now    func() time.Time
}

func (p *okxProtocol) endpoint(context.Context) (string, error) {
	return p.url, nil
}

func (p *okxProtocol) subscribe(conn *websocket.Conn, wireSymbols []string) error {
	args := make([]map[string]string, 0, len(wireSymbols))
	for _, s := range wireSymbols {
		args = append(args, map[string]string{
			"channel": "tickers",
			"instId":  s,
		})
	}
	return writeJSON(conn, map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
}

// keepAlive sends the bare text frame OKX expects; it answers "pong"
func (p *okxProtocol) keepAlive(conn *websocket.Conn) error {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}

func (p *okxProtocol) pingInterval() time.Duration { return okxPingInterval }

func (p *okxProtocol) reconnectDelay(int) (time.Duration, bool) {
	return fixedReconnectDelay, true
}

func (p *okxProtocol) parse(message []byte) (models.NormalizedTick, bool) {
	return ParseOKXTicker(message, p.mapper, p.now())
}

// ParseOKXTicker decodes the first entry of a tickers push. Pongs, event
// acknowledgements and anything malformed are skipped.
func ParseOKXTicker(message []byte, mapper SymbolMapper, now time.Time) (models.NormalizedTick, bool) {
	if string(message) == "pong" {
		return models.NormalizedTick{}, false
	}

	var msg okxMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return models.NormalizedTick{}, false
	}
	if msg.Event != "" || len(msg.Data) == 0 {
		return models.NormalizedTick{}, false
	}

	t := msg.Data[0]
	if t.InstID == "" {
		return models.NormalizedTick{}, false
	}
	ts, _ := strconv.ParseInt(t.Ts, 10, 64)

	return newTick(models.ExchangeOKX, mapper.FromExchange(models.ExchangeOKX, t.InstID), t.BidPx, t.AskPx, ts, now)
}
