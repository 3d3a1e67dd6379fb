package balance

import (
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	tbl, err := Default()
	if err != nil {
		t.Fatalf("default table: %v", err)
	}
	if tbl.Factory.ActiveRange > tbl.Factory.Range {
		t.Errorf("active range %v > range %v", tbl.Factory.ActiveRange, tbl.Factory.Range)
	}
	if got := tbl.ShopLifetime(); got != 15*time.Minute {
		t.Errorf("shop lifetime = %v, want 15m", got)
	}
	if got := tbl.LocationFreshness(); got != 2*time.Minute {
		t.Errorf("freshness = %v, want 2m", got)
	}
}

func TestCurvesClamp(t *testing.T) {
	tbl := &Table{Factory: FactoryTable{
		ProductionIn:  []int{20, 30},
		ProductionOut: []int{10, 16},
		LevelCost:     []int{100},
		BuildCost:     []int{50, 100, 200},
	}}

	tests := []struct {
		name string
		got  int
		want int
	}{
		{"in level 1", tbl.ProductionIn(1), 20},
		{"in level 2", tbl.ProductionIn(2), 30},
		{"in past end", tbl.ProductionIn(9), 30},
		{"in below start", tbl.ProductionIn(0), 20},
		{"out level 1", tbl.ProductionOut(1), 10},
		{"level cost past end", tbl.LevelCost(5), 100},
		{"first factory", tbl.FactoryCost(0), 50},
		{"third factory", tbl.FactoryCost(2), 200},
		{"tenth factory", tbl.FactoryCost(9), 200},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %d, want %d", tt.got, tt.want)
			}
		})
	}
}

func TestUpgradesScaleWithCurrentValue(t *testing.T) {
	tbl := &Table{Player: PlayerTable{
		Strength:         []Upgrade{{Amount: 1, Cost: 25}, {Amount: 5, Cost: 110}},
		StrengthCostStep: 10,
	}}

	base := tbl.StrengthUpgrades(0)
	if base[0].Cost != 25 || base[1].Cost != 110 {
		t.Fatalf("base upgrades = %+v", base)
	}

	doubled := tbl.StrengthUpgrades(10)
	if doubled[0].Cost != 50 || doubled[1].Cost != 220 {
		t.Errorf("upgrades at strength 10 = %+v, want doubled costs", doubled)
	}
	if doubled[0].Amount != 1 {
		t.Errorf("amount changed: %+v", doubled[0])
	}

	// The table itself must not be mutated by lookups.
	if tbl.Player.Strength[0].Cost != 25 {
		t.Errorf("table mutated: %+v", tbl.Player.Strength)
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{"not json", `{`, "decoding"},
		{"empty curves", `{"factory":{"range":50,"activeRange":20},"shop":{"range":1,"lifetimeSeconds":10,"alertSeconds":1},"player":{"locationFreshnessSeconds":1}}`, "curves are empty"},
		{"active range too wide", `{"factory":{"range":20,"activeRange":50,"productionIn":[1],"productionOut":[1],"levelCost":[1],"buildCost":[1]},"shop":{"range":1,"lifetimeSeconds":10,"alertSeconds":1},"player":{"locationFreshnessSeconds":1}}`, "exceeds range"},
		{"alert after lifetime", `{"factory":{"range":50,"activeRange":20,"productionIn":[1],"productionOut":[1],"levelCost":[1],"buildCost":[1]},"shop":{"range":1,"lifetimeSeconds":10,"alertSeconds":20},"player":{"locationFreshnessSeconds":1}}`, "inside its lifetime"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
