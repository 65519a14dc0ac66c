package symbols

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// MappingFile represents the YAML mapping/fee configuration
//
//	exchanges:
//	  okx:
//	    fee_rate: 0.0008
//	    symbols:
//	      BTCUSDT: BTC-USDT
type MappingFile struct {
	Exchanges map[string]ExchangeMapping `yaml:"exchanges"`
}

// ExchangeMapping holds the per-exchange overrides
type ExchangeMapping struct {
	FeeRate *float64          `yaml:"fee_rate"`
	Symbols map[string]string `yaml:"symbols"` // canonical -> exchange spelling
}

// LoadMappingFromYAML loads the mapping table from a YAML file
func LoadMappingFromYAML(filePath string) (*MappingFile, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}

	var file MappingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse mapping YAML: %w", err)
	}

	for exchange, m := range file.Exchanges {
		if m.FeeRate != nil && (*m.FeeRate < 0 || *m.FeeRate >= 1) {
			return nil, fmt.Errorf("invalid fee_rate %v for %s", *m.FeeRate, exchange)
		}
	}

	return &file, nil
}

// LoadMappingWithFallback returns an empty table when path is empty
func LoadMappingWithFallback(filePath string) (*MappingFile, error) {
	if filePath == "" {
		return &MappingFile{}, nil
	}
	return LoadMappingFromYAML(filePath)
}
