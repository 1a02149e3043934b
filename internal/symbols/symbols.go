package symbols

import (
	"fmt"
	"os"
	"strings"

	"inchart-market/internal/models"

	"gopkg.in/yaml.v3"
)

// PairsConfig is the YAML shape of the tracked-pairs file.
type PairsConfig struct {
	Symbols    []string `yaml:"symbols"`
	Timeframes []string `yaml:"timeframes"`
}

// Pair is one (symbol, timeframe) combination to ingest and serve.
type Pair struct {
	Symbol    string
	Timeframe string
}

// LoadFromYAML reads the tracked pairs from a YAML file.
func LoadFromYAML(filePath string) (*PairsConfig, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read pairs file: %w", err)
	}

	var config PairsConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse pairs YAML: %w", err)
	}

	if len(config.Symbols) == 0 {
		return nil, fmt.Errorf("no symbols found in pairs file")
	}

	return &config, nil
}

// Resolve builds the pair list from the YAML file when one is configured,
// otherwise from the comma-separated env values.
func Resolve(pairsFile, symbolsCSV, timeframesCSV string) ([]Pair, error) {
	var symbols, timeframes []string

	if pairsFile != "" {
		config, err := LoadFromYAML(pairsFile)
		if err != nil {
			return nil, err
		}
		symbols = config.Symbols
		timeframes = config.Timeframes
	} else {
		symbols = splitCSV(symbolsCSV)
		timeframes = splitCSV(timeframesCSV)
	}

	if len(symbols) == 0 {
		return nil, fmt.Errorf("no symbols configured")
	}
	if len(timeframes) == 0 {
		timeframes = []string{"1m"}
	}

	pairs := make([]Pair, 0, len(symbols)*len(timeframes))
	for _, symbol := range symbols {
		for _, timeframe := range timeframes {
			if !models.ValidTimeframe(timeframe) {
				return nil, fmt.Errorf("unknown timeframe %q", timeframe)
			}
			pairs = append(pairs, Pair{
				Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
				Timeframe: timeframe,
			})
		}
	}

	return pairs, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
