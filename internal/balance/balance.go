// Package balance is the static game-balance table: cost curves, production
// curves and range constants. Every lookup is a pure function of its input.
package balance

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
)

//go:embed default.json
var defaultTable []byte

// Upgrade is one purchasable step: Amount is added to the upgraded stat.
type Upgrade struct {
	Amount int `json:"amount"`
	Cost   int `json:"cost"`
}

type FactoryTable struct {
	Range         float64   `json:"range"`
	ActiveRange   float64   `json:"activeRange"`
	ProductionIn  []int     `json:"productionIn"`
	ProductionOut []int     `json:"productionOut"`
	LevelCost     []int     `json:"levelCost"`
	BuildCost     []int     `json:"buildCost"`
	Defence       []Upgrade `json:"defenceUpgrades"`
	// DefenceCostStep raises defence upgrade prices by 100% every step points.
	DefenceCostStep int `json:"defenceCostStep"`
}

type ShopTable struct {
	Range           float64 `json:"range"`
	LifetimeSeconds float64 `json:"lifetimeSeconds"`
	AlertSeconds    float64 `json:"alertSeconds"`
	InSellPrice     int     `json:"inSellPrice"`
	OutBuyPrice     int     `json:"outBuyPrice"`
}

type PlayerTable struct {
	LocationFreshnessSeconds float64   `json:"locationFreshnessSeconds"`
	StartBalance             int       `json:"startBalance"`
	Strength                 []Upgrade `json:"strengthUpgrades"`
	StrengthCostStep         int       `json:"strengthCostStep"`
}

type Table struct {
	Factory FactoryTable `json:"factory"`
	Shop    ShopTable    `json:"shop"`
	Player  PlayerTable  `json:"player"`
}

// Default returns the embedded balance table.
func Default() (*Table, error) {
	return Parse(defaultTable)
}

// Load reads a table from path, or returns the default when path is empty.
func Load(path string) (*Table, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading balance table: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decoding balance table: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) Validate() error {
	var errs []error
	if len(t.Factory.ProductionIn) == 0 || len(t.Factory.ProductionOut) == 0 {
		errs = append(errs, errors.New("factory production curves are empty"))
	}
	if len(t.Factory.LevelCost) == 0 || len(t.Factory.BuildCost) == 0 {
		errs = append(errs, errors.New("factory cost curves are empty"))
	}
	if t.Factory.ActiveRange <= 0 || t.Factory.Range <= 0 {
		errs = append(errs, errors.New("factory ranges must be positive"))
	}
	if t.Factory.ActiveRange > t.Factory.Range {
		errs = append(errs, fmt.Errorf("factory active range %v exceeds range %v",
			t.Factory.ActiveRange, t.Factory.Range))
	}
	if t.Shop.Range <= 0 {
		errs = append(errs, errors.New("shop range must be positive"))
	}
	if t.Shop.LifetimeSeconds <= 0 || t.Shop.AlertSeconds < 0 ||
		t.Shop.AlertSeconds >= t.Shop.LifetimeSeconds {
		errs = append(errs, errors.New("shop alert time must fall inside its lifetime"))
	}
	if t.Player.LocationFreshnessSeconds <= 0 {
		errs = append(errs, errors.New("location freshness must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid balance table: %w", err)
	}
	return nil
}

// ProductionIn is the input consumed by one tick of a factory at level.
func (t *Table) ProductionIn(level int) int { return curve(t.Factory.ProductionIn, level) }

// ProductionOut is the output produced by one tick of a factory at level.
func (t *Table) ProductionOut(level int) int { return curve(t.Factory.ProductionOut, level) }

// LevelCost is the price of upgrading a factory from level to level+1.
func (t *Table) LevelCost(level int) int { return curve(t.Factory.LevelCost, level) }

// FactoryCost is the price of a team's next factory given how many it owns.
func (t *Table) FactoryCost(count int) int { return curve(t.Factory.BuildCost, count+1) }

// DefenceUpgrades lists the defence upgrades on offer at the given defence.
func (t *Table) DefenceUpgrades(defence int) []Upgrade {
	return scaled(t.Factory.Defence, defence, t.Factory.DefenceCostStep)
}

// StrengthUpgrades lists the strength upgrades on offer at the given strength.
func (t *Table) StrengthUpgrades(strength int) []Upgrade {
	return scaled(t.Player.Strength, strength, t.Player.StrengthCostStep)
}

func (t *Table) ShopLifetime() time.Duration { return seconds(t.Shop.LifetimeSeconds) }

func (t *Table) ShopAlertTime() time.Duration { return seconds(t.Shop.AlertSeconds) }

func (t *Table) LocationFreshness() time.Duration {
	return seconds(t.Player.LocationFreshnessSeconds)
}

// curve indexes a 1-based curve, clamping past either end.
func curve(values []int, n int) int {
	if len(values) == 0 {
		return 0
	}
	i := n - 1
	if i < 0 {
		i = 0
	}
	if i >= len(values) {
		i = len(values) - 1
	}
	return values[i]
}

func scaled(base []Upgrade, current, step int) []Upgrade {
	out := make([]Upgrade, len(base))
	factor := 1.0
	if step > 0 && current > 0 {
		factor += float64(current) / float64(step)
	}
	for i, u := range base {
		out[i] = Upgrade{Amount: u.Amount, Cost: int(math.Ceil(float64(u.Cost) * factor))}
	}
	return out
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
