package types

import "time"

// SubscriptionType enumerates the kinds of market data a consumer can
// subscribe to on the Market-Data Hub (C2) — spec §4.5.
type SubscriptionType string

const (
	SubTicker    SubscriptionType = "ticker"
	SubTrades    SubscriptionType = "trades"
	SubDepth     SubscriptionType = "depth"
	SubCandle    SubscriptionType = "candle"
	SubMarkPrice SubscriptionType = "markPrice"
	SubFunding   SubscriptionType = "funding"
)

// SubscriptionKey identifies one (venue, symbol, type[, interval]) stream.
type SubscriptionKey struct {
	Venue    string
	Symbol   string
	Type     SubscriptionType
	Interval string // only meaningful for SubCandle
}

type Ticker struct {
	Venue         string
	Symbol        string
	LastPrice     D
	BestBid       D
	BestAsk       D
	High24h       D
	Low24h        D
	Volume24h     D
	QuoteVolume24 D
	PriceChgPct   D
	EventTime     time.Time
}

type PriceLevel struct {
	Price D
	Qty   D
}

// OrderBook is the canonical local mirror of one venue/symbol book,
// maintained per the venue's documented U/u/pu sequencing rules (spec §6).
type OrderBook struct {
	Venue       string
	Symbol      string
	Bids        []PriceLevel // sorted descending
	Asks        []PriceLevel // sorted ascending
	LastUpdateID int64
	EventTime   time.Time
}

type TradeTick struct {
	Venue     string
	Symbol    string
	Price     D
	Qty       D
	Side      Side // aggressor side
	TradeID   int64
	EventTime time.Time
}

type Candle struct {
	Venue     string
	Symbol    string
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      D
	High      D
	Low       D
	Close     D
	Volume    D
	Closed    bool // true once the interval has fully elapsed
}

type MarkPrice struct {
	Venue       string
	Symbol      string
	Mark        D
	IndexPrice  D
	FundingRate D
	NextFunding time.Time
	EventTime   time.Time
}

// StreamResetEvent signals a disconnect or sequence gap that forces
// dependent state (the local order book) to rebuild from a fresh snapshot —
// spec §4.1/§4.5/§7 StreamReset.
type StreamResetEvent struct {
	Venue     string
	Symbol    string
	Reason    string
	EventTime time.Time
}

// MarketTickEvent is the normalized event a Bot Runtime strategy's OnTick
// receives, whether delivered from the Market-Data Hub's fan-out or
// synthesized on the bot's own timer cadence (spec §4.8) — in the latter
// case only Symbol/MarkPrice/EventTime are populated from the strategy's
// last known book state.
type MarketTickEvent struct {
	Venue     string
	Symbol    string
	MarkPrice D
	BestBid   D
	BestAsk   D
	EventTime time.Time
}

// DepthDiff is one incremental update to an order book, as delivered by the
// venue's diff-depth stream. U and u are the first/last update IDs covered
// by this event; pu is the previous event's u, used to detect gaps.
type DepthDiff struct {
	Venue        string
	Symbol       string
	FirstUpdateID int64 // U
	FinalUpdateID int64 // u
	PrevFinalID   int64 // pu
	Bids         []PriceLevel
	Asks         []PriceLevel
	EventTime    time.Time
}
