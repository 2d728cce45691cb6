package strategy

import (
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"

	"github.com/Rajchodisetti/options-engine/internal/options"
	"github.com/Rajchodisetti/options-engine/internal/scoring"
)

// Preset names. Custom is never stored; it is what DetectPreset reports when
// the parameters match no named preset.
const (
	PresetConservative = "CONSERVATIVE"
	PresetStandard     = "STANDARD"
	PresetAggressive   = "AGGRESSIVE"
	PresetCustom       = "CUSTOM"
)

// TradeWindow bounds when entries are allowed and when positions are forced out.
// Minutes are relative to the session open or close.
type TradeWindow struct {
	AvoidFirstMinutes            int `json:"avoid_first_minutes" yaml:"avoid_first_minutes" validate:"gte=0"`
	EntryWindowMinutes           int `json:"entry_window_minutes" yaml:"entry_window_minutes" validate:"gte=0"`
	NoNewEntryBeforeCloseMinutes int `json:"no_new_entry_before_close_minutes" yaml:"no_new_entry_before_close_minutes" validate:"gte=0"`
	ZeroDTEForceCloseMinutes     int `json:"zero_dte_force_close_minutes" yaml:"zero_dte_force_close_minutes" validate:"gte=0"`
	MultiDayForceCloseMinutes    int `json:"multi_day_force_close_minutes" yaml:"multi_day_force_close_minutes" validate:"gte=0"`
}

// Params is the full set of tunables for a strategy.
type Params struct {
	AssetClass options.AssetClass `json:"asset_class" yaml:"asset_class" validate:"oneof=STOCK OPTION"`
	Thresholds scoring.Thresholds `json:"thresholds" yaml:"thresholds"`

	// ConsecutiveConfirmCycles of 1 acts on the first qualifying cycle.
	ConsecutiveConfirmCycles int     `json:"consecutive_confirm_cycles" yaml:"consecutive_confirm_cycles" validate:"gte=1,lte=20"`
	StopATRMultiplier        float64 `json:"stop_atr_multiplier" yaml:"stop_atr_multiplier" validate:"gt=0"`
	TargetATRMultiplier      float64 `json:"target_atr_multiplier" yaml:"target_atr_multiplier" validate:"gt=0"`

	Expiration options.ExpirationMode   `json:"expiration_mode" yaml:"expiration_mode" validate:"oneof=0DTE NEAREST"`
	PriceMode  options.EntryPriceMode   `json:"entry_price_mode" yaml:"entry_price_mode" validate:"oneof=ASK MID"`
	Sizing     options.Sizing           `json:"sizing" yaml:"sizing"`
	Liquidity  options.LiquidityFilters `json:"liquidity" yaml:"liquidity"`

	Window                 TradeWindow `json:"trade_window" yaml:"trade_window"`
	CooldownMinutes        int         `json:"cooldown_minutes" yaml:"cooldown_minutes" validate:"gte=0"`
	ZeroDTECooldownMinutes int         `json:"zero_dte_cooldown_minutes" yaml:"zero_dte_cooldown_minutes" validate:"gte=0"`
	MaxTradesPerDay        int         `json:"max_trades_per_day" yaml:"max_trades_per_day" validate:"gte=0"`
	MaxPriceDeviationPct   float64     `json:"max_price_deviation_pct" yaml:"max_price_deviation_pct" validate:"gte=0"`
}

func baseParams() Params {
	return Params{
		AssetClass: options.AssetOption,
		Thresholds: scoring.Thresholds{
			SpreadScoreMin: 40,
			RSIOversold:    30,
			RSIOverbought:  70,
		},
		StopATRMultiplier:   2.0,
		TargetATRMultiplier: 3.0,
		Expiration:          options.ExpirationZeroDTE,
		PriceMode:           options.PriceAsk,
		Sizing:              options.Sizing{Mode: options.SizingFixedContracts, FixedContracts: 1},
		Liquidity: options.LiquidityFilters{
			MinOpenInterest:    100,
			MaxBidAskSpreadAbs: 0.3,
			MaxBidAskSpreadPct: 25,
		},
		Window: TradeWindow{
			AvoidFirstMinutes:            15,
			EntryWindowMinutes:           300,
			NoNewEntryBeforeCloseMinutes: 180,
			ZeroDTEForceCloseMinutes:     120,
			MultiDayForceCloseMinutes:    10,
		},
		MaxPriceDeviationPct: 5,
	}
}

var presets = map[string]Params{
	PresetConservative: func() Params {
		p := baseParams()
		p.Thresholds.DirectionalScoreMin = 30
		p.Thresholds.ZDTEEntryThreshold = 40
		p.Thresholds.VIXAdjustThreshold = true
		p.ConsecutiveConfirmCycles = 3
		p.StopATRMultiplier = 1.5
		p.TargetATRMultiplier = 2.5
		p.CooldownMinutes = 60
		p.ZeroDTECooldownMinutes = 30
		p.MaxTradesPerDay = 2
		return p
	}(),
	PresetStandard: func() Params {
		p := baseParams()
		p.Thresholds.DirectionalScoreMin = 20
		p.Thresholds.ZDTEEntryThreshold = 30
		p.Thresholds.VIXAdjustThreshold = true
		p.ConsecutiveConfirmCycles = 2
		p.CooldownMinutes = 30
		p.ZeroDTECooldownMinutes = 20
		p.MaxTradesPerDay = 3
		return p
	}(),
	PresetAggressive: func() Params {
		p := baseParams()
		p.Thresholds.DirectionalScoreMin = 12
		p.Thresholds.ZDTEEntryThreshold = 20
		p.Thresholds.SpreadScoreMin = 30
		p.ConsecutiveConfirmCycles = 1
		p.StopATRMultiplier = 2.5
		p.TargetATRMultiplier = 4.0
		p.CooldownMinutes = 15
		p.ZeroDTECooldownMinutes = 10
		p.MaxTradesPerDay = 5
		p.Window.EntryWindowMinutes = 330
		p.Window.NoNewEntryBeforeCloseMinutes = 150
		return p
	}(),
}

// Preset returns a named preset's parameters.
func Preset(name string) (Params, bool) {
	p, ok := presets[name]
	return p, ok
}

// PresetNames lists the named presets in a stable order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DetectPreset reports which preset p equals, or PresetCustom.
func DetectPreset(p Params) string {
	for name, preset := range presets {
		if p == preset {
			return name
		}
	}
	return PresetCustom
}

var validate = validator.New()

// Validate checks field ranges and cross-field rules.
func (p Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	th := p.Thresholds
	if th.RSIOversold > 0 && th.RSIOverbought > 0 && th.RSIOversold >= th.RSIOverbought {
		return fmt.Errorf("%w: rsi oversold %.0f must be below overbought %.0f", ErrInvalidParams, th.RSIOversold, th.RSIOverbought)
	}
	switch p.Sizing.Mode {
	case options.SizingFixedContracts:
		if p.Sizing.FixedContracts < 1 {
			return fmt.Errorf("%w: fixed_contracts must be at least 1", ErrInvalidParams)
		}
	case options.SizingMaxPremium:
		if p.Sizing.MaxPremiumUSD <= 0 {
			return fmt.Errorf("%w: max_premium_usd must be positive", ErrInvalidParams)
		}
	default:
		return fmt.Errorf("%w: unknown sizing mode %q", ErrInvalidParams, p.Sizing.Mode)
	}
	return nil
}
