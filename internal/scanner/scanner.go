// Package scanner turns market state into ranked trade opportunities.
//
// Each enabled strategy is scanned per instrument in its universe and
// contributes at most one opportunity per instrument. Directional
// strategies stack trend signals over three timeframes; arbitrage
// strategies compare quotes across venues (cross-venue) or between spot
// and perp markets (basis). Opportunities are ranked by expected edge
// times confidence and truncated, and the top slice becomes trade intents
// sized off each strategy's book.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/markcheno/go-talib"

	"tradeforge/internal/config"
	"tradeforge/internal/marketdata"
	"tradeforge/internal/registry"
	"tradeforge/internal/store"
	"tradeforge/pkg/types"
)

const (
	smaPeriod       = 10
	neutralBand     = 0.0005 // |delta| under 5 bps is noise
	confidencePerBp = 200    // confidence = min(1, |delta|·200)
	maxLossFraction = 0.02   // maxLossUsd = 2% of target exposure
)

// CandleSource supplies OHLCV history for trend computation. The live
// engine backs this with venue REST candles; backtests and tests supply
// in-memory frames.
type CandleSource interface {
	Candles(ctx context.Context, venue, instrument, timeframe string, limit int) ([]types.OHLCVBar, error)
}

// Scanner produces ranked opportunities for all enabled strategies.
type Scanner struct {
	cfg     config.ScannerConfig
	reg     *registry.Registry
	md      *marketdata.Service
	candles CandleSource
	store   *store.Store
	venues  []string // venue names eligible for cross-venue scans
	logger  *slog.Logger
}

// New wires a scanner. store may be nil (telemetry writes are skipped).
func New(cfg config.ScannerConfig, reg *registry.Registry, md *marketdata.Service, candles CandleSource, st *store.Store, venues []string, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:     cfg,
		reg:     reg,
		md:      md,
		candles: candles,
		store:   st,
		venues:  venues,
		logger:  logger.With("component", "scanner"),
	}
}

// Scan runs every enabled strategy and returns opportunities ranked by
// edge·confidence descending, truncated to the configured maximum.
func (s *Scanner) Scan(ctx context.Context) []types.Opportunity {
	var opps []types.Opportunity

	for _, def := range s.reg.Enabled() {
		switch def.Type {
		case "spot", "futures":
			opps = append(opps, s.scanDirectional(ctx, def)...)
		case "arbitrage":
			if def.BookType == "basis" {
				opps = append(opps, s.scanBasis(ctx, def)...)
			} else {
				opps = append(opps, s.scanCrossVenue(ctx, def)...)
			}
		case "execution":
			// Execution strategies consume intents; they never originate them.
		}
	}

	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].Score() > opps[j].Score()
	})

	max := s.maxOpportunities()
	if len(opps) > max {
		opps = opps[:max]
	}

	s.logger.Debug("scan complete", "opportunities", len(opps))
	return opps
}

func (s *Scanner) maxOpportunities() int {
	if set := s.reg.Scanner(); set.MaxOpportunities > 0 {
		return set.MaxOpportunities
	}
	if s.cfg.MaxOpportunities > 0 {
		return s.cfg.MaxOpportunities
	}
	return 50
}

func (s *Scanner) topK() int {
	if set := s.reg.Scanner(); set.TopK > 0 {
		return set.TopK
	}
	if s.cfg.TopK > 0 {
		return s.cfg.TopK
	}
	return 5
}

// ————————————————————————————————————————————————————————————————————————
// Directional scan
// ————————————————————————————————————————————————————————————————————————

// scanDirectional computes a three-frame trend stack per instrument. An
// opportunity is emitted only when fast, medium, and slow frames agree and
// none is neutral.
func (s *Scanner) scanDirectional(ctx context.Context, def registry.StrategyDefinition) []types.Opportunity {
	venue := def.VenueRouting["default"]
	if venue == "" && len(s.venues) > 0 {
		venue = s.venues[0]
	}

	var opps []types.Opportunity
	frames := []string{def.Timeframes.Fast, def.Timeframes.Medium, def.Timeframes.Slow}

	for _, instrument := range def.Universe {
		stack := make([]types.FrameSignal, 0, len(frames))
		ok := true
		for _, tf := range frames {
			sig, err := s.frameSignal(ctx, venue, instrument, tf)
			if err != nil {
				s.logger.Debug("frame signal unavailable",
					"strategy", def.Name, "instrument", instrument, "timeframe", tf, "error", err)
				ok = false
				break
			}
			stack = append(stack, sig)
		}
		if !ok || !framesAgree(stack) {
			continue
		}

		var sumStrength, sumConf float64
		for _, sig := range stack {
			sumStrength += sig.StrengthBps
			sumConf += sig.Confidence
		}
		edgeBps := sumStrength / float64(len(stack))
		confidence := sumConf / float64(len(stack))

		if confidence < def.MinConfidence || edgeBps < def.MinEdgeBps {
			continue
		}

		direction := types.BUY
		if stack[0].Direction == types.Bearish {
			direction = types.SELL
		}

		oppType := types.OppSpot
		if def.Type == "futures" {
			oppType = types.OppFutures
		}

		snap := s.md.Snapshot(venue, instrument)
		opps = append(opps, types.Opportunity{
			ID:              uuid.New(),
			Type:            oppType,
			Instrument:      instrument,
			Direction:       direction,
			Venue:           venue,
			Confidence:      confidence,
			ExpectedEdgeBps: edgeBps,
			HorizonMinutes:  def.ExpectedHoldingMinutes,
			DataQuality:     snap.DataQuality,
			SignalStack:     stack,
			StrategyName:    def.Name,
			Metadata:        map[string]string{"strategy_id": def.ID},
			Explanation: fmt.Sprintf("%s trend stack agrees %s (%.1f bps)",
				instrument, stack[0].Direction, edgeBps),
		})
	}
	return opps
}

// frameSignal classifies one timeframe's trend against its 10-bar SMA.
func (s *Scanner) frameSignal(ctx context.Context, venue, instrument, timeframe string) (types.FrameSignal, error) {
	bars, err := s.candles.Candles(ctx, venue, instrument, timeframe, smaPeriod*3)
	if err != nil {
		return types.FrameSignal{}, err
	}
	if len(bars) < smaPeriod {
		return types.FrameSignal{}, fmt.Errorf("need %d bars, have %d", smaPeriod, len(bars))
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close
	}
	sma := talib.Sma(closes, smaPeriod)
	ref := sma[len(sma)-1]
	if ref == 0 {
		return types.FrameSignal{}, fmt.Errorf("zero sma for %s %s", instrument, timeframe)
	}

	delta := (closes[len(closes)-1] - ref) / ref
	sig := types.FrameSignal{
		Timeframe:   timeframe,
		StrengthBps: math.Abs(delta) * 10000,
		Confidence:  math.Min(1, math.Abs(delta)*confidencePerBp),
	}
	switch {
	case delta > neutralBand:
		sig.Direction = types.Bullish
	case delta < -neutralBand:
		sig.Direction = types.Bearish
	default:
		sig.Direction = types.Neutral
	}
	return sig, nil
}

func framesAgree(stack []types.FrameSignal) bool {
	if len(stack) == 0 {
		return false
	}
	first := stack[0].Direction
	if first == types.Neutral {
		return false
	}
	for _, sig := range stack[1:] {
		if sig.Direction != first {
			return false
		}
	}
	return true
}

// ————————————————————————————————————————————————————————————————————————
// Cross-venue arbitrage
// ————————————————————————————————————————————————————————————————————————

// scanCrossVenue compares best quotes across venues per instrument. Every
// ordered (buy, sell) pair with profit above the threshold yields a
// two-leg legged plan; sizes stay zero until the OMS fills them in.
func (s *Scanner) scanCrossVenue(ctx context.Context, def registry.StrategyDefinition) []types.Opportunity {
	minBps := def.MinEdgeBps
	if minBps < s.cfg.MinCrossVenueBps {
		minBps = s.cfg.MinCrossVenueBps
	}

	var opps []types.Opportunity
	for _, instrument := range def.Universe {
		quotes := make(map[string]types.MarketSnapshot)
		for _, venue := range s.venues {
			snap, ok := s.md.GetPrice(venue, instrument)
			if !ok || snap.Bid <= 0 || snap.Ask <= 0 {
				continue
			}
			quotes[venue] = snap
		}
		if len(quotes) < 2 {
			continue
		}

		best := types.Opportunity{}
		for buyVenue, buyQuote := range quotes {
			for sellVenue, sellQuote := range quotes {
				if buyVenue == sellVenue {
					continue
				}
				profitBps := (sellQuote.Bid - buyQuote.Ask) / buyQuote.Ask * 10000
				s.recordSpread(ctx, instrument, buyVenue, sellVenue, profitBps, buyQuote, sellQuote)
				if profitBps < minBps {
					continue
				}

				confidence := math.Min(1, profitBps/50)
				opp := types.Opportunity{
					ID:              uuid.New(),
					Type:            types.OppArbitrage,
					Instrument:      instrument,
					Direction:       types.BUY,
					Venue:           buyVenue,
					Confidence:      confidence,
					ExpectedEdgeBps: profitBps,
					HorizonMinutes:  def.ExpectedHoldingMinutes,
					DataQuality:     worstQuality(buyQuote.DataQuality, sellQuote.DataQuality),
					StrategyName:    def.Name,
					Metadata: map[string]string{
						"strategy_id": def.ID,
						"buy_venue":   buyVenue,
						"sell_venue":  sellVenue,
					},
					ExecutionPlan: &types.ExecutionPlan{
						ID:   uuid.New(),
						Mode: types.ModeLegged,
						Legs: []types.ExecutionLeg{
							{Venue: buyVenue, Instrument: instrument, Side: types.BUY,
								OrderType: types.OrderTypeMarket, MaxSlippageBps: s.cfg.MaxLegSlippageBps, LegType: "spot"},
							{Venue: sellVenue, Instrument: instrument, Side: types.SELL,
								OrderType: types.OrderTypeMarket, MaxSlippageBps: s.cfg.MaxLegSlippageBps, LegType: "spot"},
						},
						MaxLegSlippageBps:    s.cfg.MaxLegSlippageBps,
						MaxTimeBetweenLegsMs: s.cfg.LegTimeBudgetMs,
						UnwindOnFail:         true,
					},
					Explanation: fmt.Sprintf("buy %s on %s at %.4f, sell on %s at %.4f (%.1f bps)",
						instrument, buyVenue, buyQuote.Ask, sellVenue, sellQuote.Bid, profitBps),
				}
				if opp.Score() > best.Score() {
					best = opp
				}
			}
		}
		if best.ID != uuid.Nil {
			opps = append(opps, best)
		}
	}
	return opps
}

func (s *Scanner) recordSpread(ctx context.Context, instrument, buyVenue, sellVenue string, spreadBps float64, buy, sell types.MarketSnapshot) {
	if s.store == nil {
		return
	}
	// Liquidity score is the smaller of the two top-of-book sizes; regime
	// detection reads recent scores.
	liquidity := math.Min(buy.AskSize, sell.BidSize)
	if err := s.store.InsertArbSpread(ctx, instrument, buyVenue, sellVenue, spreadBps, liquidity); err != nil {
		s.logger.Debug("record arb spread failed", "error", err)
	}
}

func worstQuality(a, b types.DataQuality) types.DataQuality {
	rank := map[types.DataQuality]int{
		types.QualityRealtime:    0,
		types.QualitySimulated:   1,
		types.QualityDelayed:     2,
		types.QualityDerived:     3,
		types.QualityUnavailable: 4,
	}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ————————————————————————————————————————————————————————————————————————
// Basis arbitrage
// ————————————————————————————————————————————————————————————————————————

// scanBasis compares spot and perp mids per instrument. Venue routing uses
// the "spot" and "perp" keys; the perp instrument name is the spot name
// with its quote suffix replaced by -PERP.
func (s *Scanner) scanBasis(ctx context.Context, def registry.StrategyDefinition) []types.Opportunity {
	spotVenue := def.VenueRouting["spot"]
	perpVenue := def.VenueRouting["perp"]
	if perpVenue == "" {
		perpVenue = spotVenue
	}
	if spotVenue == "" {
		return nil
	}

	minBps := def.MinEdgeBps
	if minBps < s.cfg.MinBasisBps {
		minBps = s.cfg.MinBasisBps
	}

	var opps []types.Opportunity
	for _, instrument := range def.Universe {
		perpInst := perpInstrument(instrument)

		spot, okSpot := s.md.GetPrice(spotVenue, instrument)
		perp, okPerp := s.md.GetPrice(perpVenue, perpInst)
		if !okSpot || !okPerp || spot.Mid <= 0 || perp.Mid <= 0 {
			continue
		}

		basisBps := (perp.Mid - spot.Mid) / spot.Mid * 10000
		if s.store != nil {
			if err := s.store.InsertBasisQuote(ctx, spotVenue, instrument, perpInst, basisBps, 0); err != nil {
				s.logger.Debug("record basis quote failed", "error", err)
			}
			if err := s.store.InsertSpotQuote(ctx, spotVenue, instrument, spot.Bid, spot.Ask, spot.Mid); err != nil {
				s.logger.Debug("record spot quote failed", "error", err)
			}
		}

		if math.Abs(basisBps) < minBps {
			continue
		}

		// Positive basis: buy spot, sell perp (carry). Negative: reverse.
		direction := types.BUY
		spotSide, perpSide := types.BUY, types.SELL
		if basisBps < 0 {
			direction = types.SELL
			spotSide, perpSide = types.SELL, types.BUY
		}

		opps = append(opps, types.Opportunity{
			ID:              uuid.New(),
			Type:            types.OppArbitrage,
			Instrument:      instrument,
			Direction:       direction,
			Venue:           spotVenue,
			Confidence:      math.Min(1, math.Abs(basisBps)/50),
			ExpectedEdgeBps: math.Abs(basisBps),
			HorizonMinutes:  def.ExpectedHoldingMinutes,
			DataQuality:     worstQuality(spot.DataQuality, perp.DataQuality),
			StrategyName:    def.Name,
			Metadata: map[string]string{
				"strategy_id":     def.ID,
				"perp_venue":      perpVenue,
				"perp_instrument": perpInst,
			},
			ExecutionPlan: &types.ExecutionPlan{
				ID:   uuid.New(),
				Mode: types.ModeLegged,
				Legs: []types.ExecutionLeg{
					{Venue: spotVenue, Instrument: instrument, Side: spotSide,
						OrderType: types.OrderTypeMarket, MaxSlippageBps: s.cfg.MaxLegSlippageBps, LegType: "spot"},
					{Venue: perpVenue, Instrument: perpInst, Side: perpSide,
						OrderType: types.OrderTypeMarket, MaxSlippageBps: s.cfg.MaxLegSlippageBps, LegType: "deriv"},
				},
				MaxLegSlippageBps:    s.cfg.MaxLegSlippageBps,
				MaxTimeBetweenLegsMs: s.cfg.LegTimeBudgetMs,
				UnwindOnFail:         true,
			},
			Explanation: fmt.Sprintf("basis %.1f bps between %s spot and %s",
				basisBps, instrument, perpInst),
		})
	}
	return opps
}

func perpInstrument(spot string) string {
	if i := strings.LastIndex(spot, "-"); i > 0 {
		return spot[:i] + "-PERP"
	}
	return spot + "-PERP"
}

// ————————————————————————————————————————————————————————————————————————
// Intent generation
// ————————————————————————————————————————————————————————————————————————

// GenerateIntents converts the top-K opportunities into trade intents,
// sized off each strategy's book. Opportunities whose strategy or book
// cannot be resolved are skipped.
func (s *Scanner) GenerateIntents(ctx context.Context, opps []types.Opportunity, books map[string]types.Book) []types.TradeIntent {
	k := s.topK()
	if len(opps) > k {
		opps = opps[:k]
	}

	var intents []types.TradeIntent
	for _, opp := range opps {
		def, ok := s.reg.Get(opp.Metadata["strategy_id"])
		if !ok {
			s.logger.Warn("opportunity references unknown strategy", "strategy_id", opp.Metadata["strategy_id"])
			continue
		}
		book, ok := books[def.BookID]
		if !ok {
			s.logger.Warn("strategy has no book", "strategy", def.Name, "book_id", def.BookID)
			continue
		}

		strategyID, err := uuid.Parse(def.ID)
		if err != nil {
			continue
		}

		target := book.CapitalAllocated * def.MaxRiskPerTrade
		intents = append(intents, types.TradeIntent{
			ID:                uuid.New(),
			BookID:            book.ID,
			StrategyID:        strategyID,
			Instrument:        opp.Instrument,
			Venue:             opp.Venue,
			Direction:         opp.Direction,
			TargetExposureUSD: target,
			MaxLossUSD:        target * maxLossFraction,
			HorizonMinutes:    opp.HorizonMinutes,
			Confidence:        opp.Confidence,
			Metadata: types.IntentMetadata{
				ExpectedEdgeBps: opp.ExpectedEdgeBps,
				StrategyType:    def.Type,
				Plan:            opp.ExecutionPlan,
				Freeform:        opp.Metadata,
			},
			CreatedAt: time.Now().UTC(),
		})
	}
	return intents
}
