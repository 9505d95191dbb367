package tracker

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"tradeguard/internal/config"
	"tradeguard/internal/models"
)

var t0 = time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)

func newTestTracker(feeRate float64, opts ...Option) *Tracker {
	cfg := config.Default().Tracker
	cfg.FeeRate = feeRate
	return New(cfg, zerolog.Nop(), opts...)
}

// closeTrade opens and immediately closes a long of one unit with the given pnl.
func closeTrade(tr *Tracker, id string, pnl float64, at time.Time) {
	tr.RecordEntry(EntryRequest{OrderID: id, Side: models.SideLong, Amount: 1, Price: 1000, Timestamp: at})
	tr.RecordExit(context.Background(), id, 1000+pnl, at.Add(time.Minute), "signal")
}

// Property: MFE only grows and MAE only shrinks regardless of bar order.
func TestProperty_ExcursionsMonotonic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("mfe non-decreasing, mae non-increasing", prop.ForAll(
		func(short bool, bars []float64) bool {
			tr := newTestTracker(0)
			side := models.SideLong
			if short {
				side = models.SideShort
			}
			tr.RecordEntry(EntryRequest{OrderID: "o", Side: side, Amount: 2, Price: 100, Timestamp: t0})

			prevMFE, prevMAE := 0.0, 0.0
			for _, mid := range bars {
				tr.UpdatePriceExcursions(mid+1, mid-1)
				e := tr.OpenEntries()[0]
				if e.MFE < prevMFE || e.MAE > prevMAE || e.MFE < 0 || e.MAE > 0 {
					return false
				}
				prevMFE, prevMAE = e.MFE, e.MAE
			}
			return true
		},
		gen.Bool(),
		gen.SliceOf(gen.Float64Range(50, 150)),
	))

	properties.TestingRun(t)
}

// Property: profit factor is +Inf with winners and no losers.
func TestProperty_ProfitFactorNoLosers(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("all winners => profit factor +Inf", prop.ForAll(
		func(profits []float64) bool {
			tr := newTestTracker(0)
			for i, p := range profits {
				closeTrade(tr, fmt.Sprintf("w%d", i), p, t0.Add(time.Duration(i)*time.Hour))
			}
			m := tr.GetPerformanceMetrics()
			return math.IsInf(m.ProfitFactor, 1) && m.WinRate == 1
		},
		gen.SliceOfN(5, gen.Float64Range(1, 500)),
	))

	properties.TestingRun(t)
}

// Property: an exit for an unknown order changes nothing.
func TestProperty_UnknownExitNoMutation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("record_exit(unknown) returns false and keeps the ledger", prop.ForAll(
		func(known int, price float64) bool {
			tr := newTestTracker(0.0012)
			for i := 0; i < known; i++ {
				closeTrade(tr, fmt.Sprintf("k%d", i), 10, t0)
			}
			before := len(tr.CompletedTrades())
			pnl := tr.TotalPnL()

			trade, ok := tr.RecordExit(context.Background(), "missing", price, t0, "stop")
			return trade == nil && !ok && len(tr.CompletedTrades()) == before && tr.TotalPnL() == pnl
		},
		gen.IntRange(0, 5),
		gen.Float64Range(1, 1e6),
	))

	properties.TestingRun(t)
}

// Property: round-trip fees always reduce pnl by (entry+exit)×amount×rate×2.
func TestProperty_FeesDeducted(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("pnl = gross − fees", prop.ForAll(
		func(entry, exit, amount float64, short bool) bool {
			tr := newTestTracker(0.0012)
			side := models.SideLong
			if short {
				side = models.SideShort
			}
			tr.RecordEntry(EntryRequest{OrderID: "f", Side: side, Amount: amount, Price: entry, Timestamp: t0})
			trade, ok := tr.RecordExit(context.Background(), "f", exit, t0.Add(time.Hour), "tp")
			if !ok {
				return false
			}
			gross := side.Sign() * (exit - entry) * amount
			fees := (entry + exit) * amount * 0.0012 * 2
			return math.Abs(trade.PnL-(gross-fees)) < 1e-6 && trade.HoldingPeriodMinutes == 60
		},
		gen.Float64Range(1, 1e5),
		gen.Float64Range(1, 1e5),
		gen.Float64Range(0.001, 100),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
