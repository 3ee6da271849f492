package poller

import (
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

// Listing statuses the partner API uses for unavailable products.
var nvidiaUnavailable = []string{"out of stock", "notify me"}

type nvidiaSearch struct {
	SearchedProducts *struct {
		ProductDetails []nvidiaProduct `json:"productDetails"`
	} `json:"searchedProducts"`
}

type nvidiaProduct struct {
	ProductTitle string          `json:"productTitle"`
	PrdStatus    string          `json:"prdStatus"`
	ProductPrice json.RawMessage `json:"productPrice"`
}

// price handles both {"finalPrice": "..."} and a bare price string.
func (p nvidiaProduct) price() string {
	if len(p.ProductPrice) == 0 {
		return ""
	}
	var obj struct {
		FinalPrice json.RawMessage `json:"finalPrice"`
	}
	if err := json.Unmarshal(p.ProductPrice, &obj); err == nil && len(obj.FinalPrice) > 0 {
		return strings.Trim(string(obj.FinalPrice), `"`)
	}
	return strings.Trim(string(p.ProductPrice), `"`)
}

// nvidiaParser reads the NVIDIA partner product search API.
type nvidiaParser struct{}

func (nvidiaParser) Parse(r io.Reader, src config.Source, products []config.Product, at time.Time) (iter.Seq[models.AvailabilityObservation], error) {
	var doc nvidiaSearch
	if err := json.NewDecoder(io.LimitReader(r, maxBodyBytes)).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	if doc.SearchedProducts == nil {
		return nil, fmt.Errorf("response has no searchedProducts")
	}
	listings := doc.SearchedProducts.ProductDetails

	return func(yield func(models.AvailabilityObservation) bool) {
		for _, p := range products {
			terms := matchTerms(p)
			for _, l := range listings {
				if !titleMatches(l.ProductTitle, terms) {
					continue
				}
				status := strings.ToLower(l.PrdStatus)
				inStock := true
				for _, marker := range nvidiaUnavailable {
					if strings.Contains(status, marker) {
						inStock = false
						break
					}
				}
				o := models.AvailabilityObservation{
					Key:        p.Key(),
					InStock:    inStock,
					ObservedAt: at,
					SourceID:   src.ID,
					Confidence: models.Verified,
					URL:        productURL(p, src),
				}
				if price, err := models.ParsePrice(l.price()); err == nil {
					o.Price = &price
				}
				if !yield(o) {
					return
				}
				break
			}
		}
	}, nil
}
