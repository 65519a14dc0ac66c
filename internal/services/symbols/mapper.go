package symbols

import (
	"sort"
	"strings"
)

// DefaultSymbols are the user-facing pairs tracked when none are configured
var DefaultSymbols = []string{"BTC_USDT", "ETH_USDT", "SOL_USDT", "BNB_USDT"}

var knownQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH"}

// ToCanonical strips separators and upper-cases: "sol_usdt" -> "SOLUSDT".
func ToCanonical(symbol string) string {
	r := strings.NewReplacer("_", "", "-", "", "/", "")
	return strings.ToUpper(r.Replace(strings.TrimSpace(symbol)))
}

// Mapper translates between user form (BTC_USDT), canonical form (BTCUSDT)
// and each exchange's wire spelling.
type Mapper struct {
	users     map[string]string            // canonical -> user
	canonical []string                     // configured order
	toWire    map[string]map[string]string // exchange -> canonical -> wire
	fromWire  map[string]map[string]string // exchange -> wire -> canonical
	feeRates  map[string]float64
}

// NewMapper builds a mapper for the configured user symbols. file may be nil.
func NewMapper(userSymbols []string, file *MappingFile) *Mapper {
	if len(userSymbols) == 0 {
		userSymbols = DefaultSymbols
	}

	m := &Mapper{
		users:    make(map[string]string, len(userSymbols)),
		toWire:   make(map[string]map[string]string),
		fromWire: make(map[string]map[string]string),
		feeRates: make(map[string]float64),
	}

	for _, u := range userSymbols {
		u = strings.ToUpper(strings.TrimSpace(u))
		c := ToCanonical(u)
		if _, dup := m.users[c]; dup {
			continue
		}
		m.users[c] = u
		m.canonical = append(m.canonical, c)
	}

	if file != nil {
		for exchange, em := range file.Exchanges {
			exchange = strings.ToLower(exchange)
			if em.FeeRate != nil {
				m.feeRates[exchange] = *em.FeeRate
			}
			if len(em.Symbols) == 0 {
				continue
			}
			m.toWire[exchange] = make(map[string]string, len(em.Symbols))
			m.fromWire[exchange] = make(map[string]string, len(em.Symbols))
			for c, wire := range em.Symbols {
				c = ToCanonical(c)
				m.toWire[exchange][c] = wire
				m.fromWire[exchange][strings.ToUpper(wire)] = c
			}
		}
	}

	return m
}

// CanonicalSymbols returns the configured symbols in canonical form
func (m *Mapper) CanonicalSymbols() []string {
	out := make([]string, len(m.canonical))
	copy(out, m.canonical)
	return out
}

// UserSymbols returns the configured symbols in user form
func (m *Mapper) UserSymbols() []string {
	out := make([]string, 0, len(m.canonical))
	for _, c := range m.canonical {
		out = append(out, m.users[c])
	}
	return out
}

// Resolve validates a user-supplied symbol in any spelling against the
// configured set and returns its canonical and user forms.
func (m *Mapper) Resolve(symbol string) (canonical, user string, ok bool) {
	canonical = ToCanonical(symbol)
	user, ok = m.users[canonical]
	return canonical, user, ok
}

// ToUser restores the user form ("BTCUSDT" -> "BTC_USDT")
func (m *Mapper) ToUser(canonical string) string {
	if u, ok := m.users[canonical]; ok {
		return u
	}
	if base, quote, ok := splitQuote(canonical); ok {
		return base + "_" + quote
	}
	return canonical
}

// ToExchange returns the exchange wire spelling of a canonical symbol
func (m *Mapper) ToExchange(exchange, canonical string) string {
	if wire, ok := m.toWire[exchange][canonical]; ok {
		return wire
	}

	switch exchange {
	case "okx", "kucoin":
		return strings.ReplaceAll(m.ToUser(canonical), "_", "-")
	default:
		return canonical
	}
}

// FromExchange maps an exchange wire spelling back to canonical form
func (m *Mapper) FromExchange(exchange, wire string) string {
	if c, ok := m.fromWire[exchange][strings.ToUpper(wire)]; ok {
		return c
	}
	return ToCanonical(wire)
}

// FeeRates returns the configured per-exchange taker fee overrides
func (m *Mapper) FeeRates() map[string]float64 {
	out := make(map[string]float64, len(m.feeRates))
	for k, v := range m.feeRates {
		out[k] = v
	}
	return out
}

// splitQuote splits a canonical symbol on the longest known quote asset suffix
func splitQuote(canonical string) (string, string, bool) {
	quotes := append([]string(nil), knownQuotes...)
	sort.Slice(quotes, func(i, j int) bool { return len(quotes[i]) > len(quotes[j]) })

	for _, q := range quotes {
		if strings.HasSuffix(canonical, q) && len(canonical) > len(q) {
			return strings.TrimSuffix(canonical, q), q, true
		}
	}
	return "", "", false
}
