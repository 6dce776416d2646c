package alltick

import (
	"strings"

	"github.com/samber/lo"

	"mspk/model"
)

// aliasMap translates canonical symbol names to the codes the provider
// actually quotes under.
var aliasMap = map[string]string{
	"WTICOUSD": "USOIL",
	"XAUUSD":   "GOLD",
	"XAGUSD":   "SILVER",
	"BTCUSD":   "BTCUSDT",
	"ETHUSD":   "ETHUSDT",
}

var codeToSymbol = lo.Invert(aliasMap)

// Code returns the provider code for a canonical symbol.
func Code(symbol string) string {
	if code, ok := aliasMap[symbol]; ok {
		return code
	}
	return symbol
}

// DisplaySymbol maps a provider code back to its canonical symbol.
func DisplaySymbol(code string) string {
	if symbol, ok := codeToSymbol[code]; ok {
		return symbol
	}
	return code
}

// popularSymbols is the static search seed: instruments the provider quotes
// reliably, matched locally before any remote lookup.
var popularSymbols = []model.SymbolInfo{
	{Symbol: "EURUSD", Name: "Euro / US Dollar", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "GBPUSD", Name: "British Pound / US Dollar", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "USDJPY", Name: "US Dollar / Japanese Yen", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "AUDUSD", Name: "Australian Dollar / US Dollar", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "USDCAD", Name: "US Dollar / Canadian Dollar", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "USDCHF", Name: "US Dollar / Swiss Franc", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "NZDUSD", Name: "New Zealand Dollar / US Dollar", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "EURJPY", Name: "Euro / Japanese Yen", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "GBPJPY", Name: "British Pound / Japanese Yen", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "USDKRW", Name: "US Dollar / Korean Won", Segment: "CURRENCY", Exchange: "FOREX"},
	{Symbol: "XAUUSD", Name: "Gold / US Dollar", Segment: "COMMODITY", Exchange: "FOREX"},
	{Symbol: "XAGUSD", Name: "Silver / US Dollar", Segment: "COMMODITY", Exchange: "FOREX"},
	{Symbol: "USOIL", Name: "Crude Oil (WTI)", Segment: "COMMODITY", Exchange: "FOREX"},
	{Symbol: "UKOIL", Name: "Brent Oil", Segment: "COMMODITY", Exchange: "FOREX"},
	{Symbol: "BTCUSD", Name: "Bitcoin / US Dollar", Segment: "CRYPTO", Exchange: "CRYPTO"},
	{Symbol: "ETHUSD", Name: "Ethereum / US Dollar", Segment: "CRYPTO", Exchange: "CRYPTO"},
	{Symbol: "LTCUSD", Name: "Litecoin / US Dollar", Segment: "CRYPTO", Exchange: "CRYPTO"},
	{Symbol: "XRPUSD", Name: "Ripple / US Dollar", Segment: "CRYPTO", Exchange: "CRYPTO"},
	{Symbol: "SOLUSD", Name: "Solana / US Dollar", Segment: "CRYPTO", Exchange: "CRYPTO"},
	{Symbol: "US30", Name: "Dow Jones 30", Segment: "INDICES", Exchange: "CFD"},
	{Symbol: "NAS100", Name: "Nasdaq 100", Segment: "INDICES", Exchange: "CFD"},
	{Symbol: "SPX500", Name: "S&P 500", Segment: "INDICES", Exchange: "CFD"},
	{Symbol: "GER30", Name: "DAX 30 (Germany)", Segment: "INDICES", Exchange: "CFD"},
}

// PopularMatches filters the static table by symbol or name substring.
func PopularMatches(query string) []model.SymbolInfo {
	q := strings.ToUpper(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	return lo.Map(
		lo.Filter(popularSymbols, func(s model.SymbolInfo, _ int) bool {
			return strings.Contains(s.Symbol, q) || strings.Contains(strings.ToUpper(s.Name), q)
		}),
		func(s model.SymbolInfo, _ int) model.SymbolInfo {
			s.TickSize = 0.01
			s.LotSize = 1
			return s
		},
	)
}

// MapSegment classifies a provider exchange code into a coarse segment.
func MapSegment(exchange string) string {
	switch strings.ToUpper(exchange) {
	case "FOREX", "FX":
		return "CURRENCY"
	case "CRYPTO", "BINANCE":
		return "CRYPTO"
	default:
		return "EQUITY"
	}
}
