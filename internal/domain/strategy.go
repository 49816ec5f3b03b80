package domain

// Strategy is a (bot, symbol, interval) signal rule.
// OCThreshold, Extend, TakeProfitPct, StopLossPct, Reduce and UpReduce are
// all expressed in percent.
type Strategy struct {
	ID            int64
	BotID         int64
	Symbol        string
	Interval      string // candle interval, e.g. "5m"
	SidePolicy    SidePolicy
	Mode          StrategyMode
	OCThreshold   float64 // minimum |oc| percent to trigger
	Extend        float64 // counter-trend pullback fraction, percent
	Amount        float64 // order notional in quote currency
	TakeProfitPct float64
	StopLossPct   float64 // 0 means no stop loss
	Reduce        float64 // trailing percent per minute for shorts
	UpReduce      float64 // trailing percent per minute for longs
	Leverage      int
	Active        bool
}

// TrailPct returns the trailing percent per minute for the given side.
func (s *Strategy) TrailPct(side Side) float64 {
	if side == SideLong {
		return s.UpReduce
	}
	return s.Reduce
}

// HasStopLoss reports whether the strategy defines a stop-loss level.
func (s *Strategy) HasStopLoss() bool {
	return s.StopLossPct > 0
}
