package feed

import (
	"encoding/json"
	"time"
)

// inboundFrame is the envelope every provider message is parsed into before
// being dispatched by type, matching spec §4.1's "typed message variant
// {trade, quote, bar, news, control}". Unknown fields are ignored by
// encoding/json by default; unknown T values are counted and dropped by the
// caller.
type inboundFrame struct {
	T    string          `json:"T"`
	Sym  string          `json:"S"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"-"`
}

// tradeFrame is the provider's trade payload, matching common market-data
// WS schemas (symbol/price/size/timestamp/conditions/exchange/tape).
type tradeFrame struct {
	T          string   `json:"T"`
	Symbol     string   `json:"S"`
	Price      float64  `json:"p"`
	Size       uint64   `json:"s"`
	Timestamp  string   `json:"t"`
	Conditions []string `json:"c"`
	Exchange   string   `json:"x"`
	Tape       string   `json:"z"`
}

func (f tradeFrame) eventTime() time.Time {
	ts, err := time.Parse(time.RFC3339Nano, f.Timestamp)
	if err != nil {
		return time.Time{}
	}
	return ts.UTC()
}

type authFrame struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

type authAck struct {
	T    string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

type subscribeFrame struct {
	Action string   `json:"action"`
	Trades []string `json:"trades,omitempty"`
	Quotes []string `json:"quotes,omitempty"`
	Bars   []string `json:"bars,omitempty"`
	News   []string `json:"news,omitempty"`
}
