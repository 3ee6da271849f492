package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ProductKey identifies one tracked item at one retailer.
type ProductKey struct {
	RetailerID string `json:"retailer_id"`
	ProductID  string `json:"product_id"`
}

func (k ProductKey) String() string {
	return k.RetailerID + "/" + k.ProductID
}

// ParseProductKey is the inverse of ProductKey.String.
func ParseProductKey(s string) (ProductKey, error) {
	retailer, product, ok := strings.Cut(s, "/")
	if !ok || retailer == "" || product == "" {
		return ProductKey{}, fmt.Errorf("invalid product key %q", s)
	}
	return ProductKey{RetailerID: retailer, ProductID: product}, nil
}

// Confidence says how much a source's reading can be trusted.
type Confidence int

const (
	// Verified readings come from a structured API.
	Verified Confidence = iota
	// Heuristic readings are inferred from page text.
	Heuristic
)

func (c Confidence) String() string {
	switch c {
	case Verified:
		return "verified"
	case Heuristic:
		return "heuristic"
	default:
		return "unknown"
	}
}

func (c Confidence) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Confidence) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "verified", "":
		*c = Verified
	case "heuristic":
		*c = Heuristic
	default:
		return fmt.Errorf("unknown confidence %q", string(b))
	}
	return nil
}

// AvailabilityObservation is one normalized reading from a source.
type AvailabilityObservation struct {
	Key        ProductKey       `json:"key"`
	InStock    bool             `json:"in_stock"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	Currency   string           `json:"currency,omitempty"`
	ObservedAt time.Time        `json:"observed_at"`
	SourceID   string           `json:"source_id,omitempty"`
	Confidence Confidence       `json:"confidence"`
	URL        string           `json:"url,omitempty"`
}

// HasPrice reports whether the observation carries a usable price.
func (o AvailabilityObservation) HasPrice() bool {
	return o.Price != nil && o.Price.IsPositive()
}

// StockLabel is the human form of InStock.
func (o AvailabilityObservation) StockLabel() string {
	if o.InStock {
		return "in stock"
	}
	return "out of stock"
}

// UnmarshalJSON accepts the flat wire form published by external scrapers:
// retailer_id and product_id at the top level, price as number or string.
func (o *AvailabilityObservation) UnmarshalJSON(data []byte) error {
	type Alias AvailabilityObservation
	aux := &struct {
		RetailerID string          `json:"retailer_id"`
		ProductID  string          `json:"product_id"`
		Price      json.RawMessage `json:"price"`
		*Alias
	}{
		Alias: (*Alias)(o),
	}
	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}
	if aux.RetailerID != "" || aux.ProductID != "" {
		o.Key = ProductKey{RetailerID: aux.RetailerID, ProductID: aux.ProductID}
	}
	o.Price = nil
	if len(aux.Price) > 0 && string(aux.Price) != "null" {
		raw := strings.Trim(string(aux.Price), `"`)
		p, err := ParsePrice(raw)
		if err != nil {
			return fmt.Errorf("invalid price %s: %w", aux.Price, err)
		}
		o.Price = &p
	}
	return nil
}

// ParsePrice turns retailer price text like "£1,799.00" or "1799" into a decimal.
func ParsePrice(s string) (decimal.Decimal, error) {
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return decimal.Decimal{}, fmt.Errorf("no digits in %q", s)
	}
	return decimal.NewFromString(b.String())
}
