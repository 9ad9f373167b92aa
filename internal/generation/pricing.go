package generation

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var pricingYAML []byte

// Price is the cost in USD per one million tokens.
type Price struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

// PriceTable maps model identifiers to prices.
type PriceTable struct {
	models   map[string]Price
	cheapest Price
}

type priceFile struct {
	Models map[string]Price `yaml:"models"`
}

// ParsePriceTable decodes a YAML price table.
func ParsePriceTable(data []byte) (*PriceTable, error) {
	var f priceFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing price table: %w", err)
	}
	if len(f.Models) == 0 {
		return nil, fmt.Errorf("parsing price table: no models")
	}
	t := &PriceTable{models: make(map[string]Price, len(f.Models))}
	first := true
	for name, p := range f.Models {
		t.models[strings.ToLower(name)] = p
		if first || p.Input+p.Output < t.cheapest.Input+t.cheapest.Output {
			t.cheapest = p
			first = false
		}
	}
	return t, nil
}

var (
	defaultPricesOnce sync.Once
	defaultPrices     *PriceTable
)

// DefaultPrices returns the embedded price table.
func DefaultPrices() *PriceTable {
	defaultPricesOnce.Do(func() {
		t, err := ParsePriceTable(pricingYAML)
		if err != nil {
			panic(err)
		}
		defaultPrices = t
	})
	return defaultPrices
}

// Lookup returns the model's price, or the cheapest tier when unknown.
func (t *PriceTable) Lookup(model string) (Price, bool) {
	p, ok := t.models[strings.ToLower(model)]
	if !ok {
		return t.cheapest, false
	}
	return p, true
}

// Cost estimates the USD cost of a call.
func (t *PriceTable) Cost(model string, inputTokens, outputTokens int) float64 {
	p, _ := t.Lookup(model)
	return (float64(inputTokens)*p.Input + float64(outputTokens)*p.Output) / 1_000_000
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}
