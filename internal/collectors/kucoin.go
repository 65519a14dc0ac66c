package collectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"arb-market/internal/models"

	"github.com/gorilla/websocket"
)

const (
	DefaultKuCoinBulletURL = "https://api.kucoin.com/api/v1/bullet-public"

	kucoinPingInterval     = 30 * time.Second
	kucoinBaseDelay        = time.Second
	kucoinMaxDelay         = 30 * time.Second
	kucoinMaxReconnects    = 10
	kucoinTickerTopic      = "/market/ticker:"
	kucoinBulletOK         = "200000"
	kucoinBulletReqTimeout = 10 * time.Second
)

// KuCoinCollector streams /market/ticker from KuCoin. Every connection needs a
// fresh token from the public bullet endpoint.
type KuCoinCollector struct {
	*wsCollector
}

func NewKuCoinCollector(bulletURL string, opts Options) *KuCoinCollector {
	if bulletURL == "" {
		bulletURL = DefaultKuCoinBulletURL
	}
	proto := &kucoinProtocol{
		bulletURL: bulletURL,
		client:    &http.Client{Timeout: kucoinBulletReqTimeout},
		mapper:    opts.Mapper,
		now:       opts.clock(),
	}
	c := &KuCoinCollector{
		wsCollector: newWSCollector(models.ExchangeKuCoin, proto, opts.Sink, opts.Mapper, opts.limiter(models.ExchangeKuCoin), opts.Logger),
	}
	c.penalize = true
	return c
}

type kucoinBulletResponse struct {
	Code string `json:"code"`
	Data *struct {
		Token           string `json:"token"`
		InstanceServers []struct {
			Endpoint     string `json:"endpoint"`
			PingInterval int64  `json:"pingInterval"`
		} `json:"instanceServers"`
	} `json:"data"`
}

type kucoinMessage struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Subject string `json:"subject"`
	Data    *struct {
		BestBid string `json:"bestBid"`
		BestAsk string `json:"bestAsk"`
		Time    int64  `json:"time"`
	} `json:"data"`
}

type kucoinProtocol struct {
	bulletURL string
	client    *http.Client
	mapper    SymbolMapper
	now       func() time.Time
}

// endpoint requests a new token; called before every dial
func (p *kucoinProtocol) endpoint(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.bulletURL, nil)
	if err != nil {
		return "", err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("kucoin bullet: %w", err)
	}
	defer resp.Body.Close()

	var bullet kucoinBulletResponse
	if err := json.NewDecoder(resp.Body).Decode(&bullet); err != nil {
		return "", fmt.Errorf("kucoin bullet: decode: %w", err)
	}
	if bullet.Code != kucoinBulletOK || bullet.Data == nil {
		return "", fmt.Errorf("kucoin bullet: invalid response code %q", bullet.Code)
	}
	if bullet.Data.Token == "" || len(bullet.Data.InstanceServers) == 0 || bullet.Data.InstanceServers[0].Endpoint == "" {
		return "", errors.New("kucoin bullet: missing token or endpoint")
	}

	return bullet.Data.InstanceServers[0].Endpoint + "?token=" + bullet.Data.Token, nil
}

func (p *kucoinProtocol) subscribe(conn *websocket.Conn, wireSymbols []string) error {
	return writeJSON(conn, map[string]interface{}{
		"id":       p.now().UnixMilli(),
		"type":     "subscribe",
		"topic":    kucoinTickerTopic + strings.Join(wireSymbols, ","),
		"response": true,
	})
}

func (p *kucoinProtocol) keepAlive(conn *websocket.Conn) error {
	return writeJSON(conn, map[string]interface{}{
		"id":   p.now().UnixMilli(),
		"type": "ping",
	})
}

func (p *kucoinProtocol) pingInterval() time.Duration { return kucoinPingInterval }

// reconnectDelay doubles from 1s up to 30s and gives up after 10 attempts
func (p *kucoinProtocol) reconnectDelay(attempt int) (time.Duration, bool) {
	if attempt >= kucoinMaxReconnects {
		return 0, false
	}
	delay := kucoinBaseDelay << uint(attempt)
	if delay > kucoinMaxDelay {
		delay = kucoinMaxDelay
	}
	return delay, true
}

func (p *kucoinProtocol) parse(message []byte) (models.NormalizedTick, bool) {
	return ParseKuCoinTicker(message, p.mapper, p.now())
}

// ParseKuCoinTicker decodes a ticker push. The symbol comes from the topic
// suffix, e.g. "/market/ticker:SOL-USDT".
func ParseKuCoinTicker(message []byte, mapper SymbolMapper, now time.Time) (models.NormalizedTick, bool) {
	var msg kucoinMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return models.NormalizedTick{}, false
	}
	if msg.Type != "message" || msg.Subject == "" || msg.Data == nil {
		return models.NormalizedTick{}, false
	}

	idx := strings.LastIndex(msg.Topic, ":")
	if idx < 0 || idx == len(msg.Topic)-1 {
		return models.NormalizedTick{}, false
	}
	wire := msg.Topic[idx+1:]

	return newTick(models.ExchangeKuCoin, mapper.FromExchange(models.ExchangeKuCoin, wire),
		msg.Data.BestBid, msg.Data.BestAsk, msg.Data.Time, now)
}
