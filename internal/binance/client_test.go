package binance

import "testing"

func restKlineRow() []interface{} {
	return []interface{}{
		float64(1_700_000_000_000), // open time
		"50000.10",                 // open
		"50100.00",                 // high
		"49900.00",                 // low
		"50050.50",                 // close
		"12.5",                     // volume
		float64(1_700_000_059_999), // close time
		"625631.25",                // quote volume
		float64(42),                // trades
		"7.5",                      // taker buy base
		"375378.75",                // taker buy quote
		"0",                        // unused
	}
}

func TestParseKlineRow(t *testing.T) {
	k, ok := parseKlineRow(restKlineRow())
	if !ok {
		t.Fatal("expected a well-formed row to parse")
	}
	if k.OpenTime != 1_700_000_000_000 || k.CloseTime != 1_700_000_059_999 {
		t.Errorf("unexpected times: %d..%d", k.OpenTime, k.CloseTime)
	}
	if k.Open != 50000.10 || k.Close != 50050.50 {
		t.Errorf("unexpected prices: open %v close %v", k.Open, k.Close)
	}
	if k.NumberOfTrades != 42 {
		t.Errorf("expected 42 trades, got %d", k.NumberOfTrades)
	}
	if !k.IsClosed {
		t.Error("REST klines are closed candles")
	}
}

func TestParseKlineRowRejectsMalformedRows(t *testing.T) {
	short := restKlineRow()[:5]
	if _, ok := parseKlineRow(short); ok {
		t.Error("a truncated row must not parse")
	}

	badTime := restKlineRow()
	badTime[0] = "not-a-timestamp"
	if _, ok := parseKlineRow(badTime); ok {
		t.Error("a row with a non-numeric open time must not parse")
	}

	badTrades := restKlineRow()
	badTrades[8] = "42"
	if _, ok := parseKlineRow(badTrades); ok {
		t.Error("a row with a string trade count must not parse")
	}
}
