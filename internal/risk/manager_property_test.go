package risk

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"tradeguard/internal/config"
	"tradeguard/internal/models"
)

var evalTime = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func newTestManager(mutate func(*config.Config), opts ...Option) *Manager {
	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}
	var seq int
	base := []Option{
		WithClock(func() time.Time { return evalTime }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("eval-%d", seq)
		}),
	}
	return NewFromConfig(cfg, nil, zerolog.Nop(), nil, append(base, opts...)...)
}

// flatMarket returns n candles around close with the given high-low range.
func flatMarket(n int, close, rng float64) models.MarketData {
	candles := make([]models.Candle, n)
	for i := range candles {
		candles[i] = models.Candle{
			Timestamp: evalTime.Add(time.Duration(i-n) * time.Minute),
			Open:      close,
			High:      close + rng/2,
			Low:       close - rng/2,
			Close:     close,
			Volume:    1000,
		}
	}
	return models.MarketData{Candles: candles}
}

func request(confidence float64, action string) EvaluationRequest {
	return EvaluationRequest{
		MLPrediction:   models.MLPrediction{Confidence: confidence, Action: action},
		StrategySignal: models.StrategySignal{StrategyName: "trend", Action: action, Confidence: confidence},
		MarketData:     flatMarket(20, 100, 2),
		Balance:        100_000,
		Bid:            99.99,
		Ask:            100.01,
		LatencyMs:      50,
	}
}

// Property: empty market data is always denied with the maximum score.
func TestProperty_EmptyMarketDataDenied(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("empty market data -> DENIED, score 1.0", prop.ForAll(
		func(confidence, balance, latency float64) bool {
			m := newTestManager(nil)
			req := request(confidence, "BUY")
			req.MarketData = models.MarketData{}
			req.Balance = balance
			req.LatencyMs = latency

			eval := m.EvaluateTradeOpportunity(context.Background(), req)
			return eval.Decision == models.DecisionDenied &&
				eval.RiskScore == 1.0 &&
				eval.PositionSize == 0 &&
				len(eval.DenialReasons) > 0
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(-1e6, 1e7),
		gen.Float64Range(0, 10_000),
	))

	properties.TestingRun(t)
}

// Property: the score stays in [0,1] and only denied evaluations carry a zero size.
func TestProperty_ScoreBoundedAndSizeMatchesDecision(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("0 <= score <= 1, size == 0 iff DENIED", prop.ForAll(
		func(confidence, spread, latency, rng float64, buy bool) bool {
			m := newTestManager(nil)
			action := "SELL"
			if buy {
				action = "BUY"
			}
			req := request(confidence, action)
			req.MarketData = flatMarket(20, 100, rng)
			req.Bid = 100
			req.Ask = 100 * (1 + spread)
			req.LatencyMs = latency

			eval := m.EvaluateTradeOpportunity(context.Background(), req)
			if eval.RiskScore < 0 || eval.RiskScore > 1 {
				return false
			}
			denied := eval.Decision == models.DecisionDenied
			return denied == (eval.PositionSize == 0)
		},
		gen.Float64Range(0, 1),
		gen.Float64Range(0, 0.05),
		gen.Float64Range(0, 10_000),
		gen.Float64Range(0.1, 20),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
