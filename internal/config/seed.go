package config

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"stock-reservation-service/internal/models"
)

// StockSeed is the YAML file with initial stock levels, e.g.
//
//	products:
//	  - product_id: SKU-1
//	    available_qty: 25
type StockSeed struct {
	Products []SeedProduct `yaml:"products"`
}

// SeedProduct is one entry of the seed file
type SeedProduct struct {
	ProductID    string `yaml:"product_id"`
	AvailableQty int    `yaml:"available_qty"`
}

// LoadSeed reads and validates a seed file
func LoadSeed(path string) (*StockSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes seed YAML, rejecting unknown fields
func ParseSeed(data []byte) (*StockSeed, error) {
	var seed StockSeed
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seen := make(map[string]bool, len(seed.Products))
	for i, p := range seed.Products {
		if p.ProductID == "" {
			return nil, fmt.Errorf("seed entry %d: product_id is required", i)
		}
		if p.AvailableQty < 0 {
			return nil, fmt.Errorf("seed entry %d (%s): available_qty cannot be negative", i, p.ProductID)
		}
		if seen[p.ProductID] {
			return nil, fmt.Errorf("seed entry %d: duplicate product_id %s", i, p.ProductID)
		}
		seen[p.ProductID] = true
	}

	return &seed, nil
}

// Levels converts the seed into stock levels
func (s *StockSeed) Levels() []models.StockLevel {
	levels := make([]models.StockLevel, 0, len(s.Products))
	for _, p := range s.Products {
		levels = append(levels, models.StockLevel{ProductID: p.ProductID, AvailableQty: p.AvailableQty})
	}
	return levels
}
