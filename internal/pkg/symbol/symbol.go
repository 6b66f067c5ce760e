// Package symbol normalizes instrument names. Clean produces the SeriesKey token; Compact
// produces the upper-case "BTCUSDT" form Binance and Bybit expect on the wire.
package symbol

import "strings"

// Symbol is an instrument split into base and quote currency.
type Symbol struct {
	Base  string
	Quote string
}

func (s Symbol) String() string {
	if s.Base == "" || s.Quote == "" {
		return ""
	}
	return s.Base + "/" + s.Quote
}

// 无分隔符时按报价币后缀拆分，顺序决定优先级
var quotes = []string{"USDT", "USDC", "BUSD", "TUSD", "KRW", "BTC", "ETH", "BNB"}

// Parse splits "BTC/USDT", "btc-usdt", "ETH/USDT:USDT" (settle suffix dropped) or "XRPKRW".
// Unknown shapes yield the zero Symbol.
func Parse(s string) Symbol {
	s = strings.ToUpper(strings.TrimSpace(s))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return Symbol{}
	}
	if i := strings.IndexAny(s, "/-_"); i >= 0 {
		if i == 0 || i == len(s)-1 {
			return Symbol{}
		}
		return Symbol{Base: strings.TrimSpace(s[:i]), Quote: strings.TrimSpace(s[i+1:])}
	}
	for _, q := range quotes {
		if len(s) > len(q) && strings.HasSuffix(s, q) {
			return Symbol{Base: s[:len(s)-len(q)], Quote: q}
		}
	}
	return Symbol{}
}

// Compact returns the venue wire form of an instrument.
func Compact(instrument string) string {
	if sym := Parse(instrument); sym.Base != "" {
		return sym.Base + sym.Quote
	}
	return strings.ToUpper(Clean(instrument))
}

// Clean is the single normalization used for every SeriesKey component: lower-case with
// separators and whitespace removed.
func Clean(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', ':', '-', '_', '.', ' ', '\t':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(s)))
}
