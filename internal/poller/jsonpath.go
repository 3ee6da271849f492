package poller

import (
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

// jsonParser reads any JSON document using the gjson field paths in
// config.JSONFields. Items selects the listing array ("" means the root).
type jsonParser struct{}

func (jsonParser) Parse(r io.Reader, src config.Source, products []config.Product, at time.Time) (iter.Seq[models.AvailabilityObservation], error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decode document: invalid JSON")
	}

	items := gjson.ParseBytes(body)
	if src.Fields.Items != "" {
		items = items.Get(src.Fields.Items)
	}
	if !items.Exists() {
		return nil, fmt.Errorf("items path %q not found", src.Fields.Items)
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("items path %q is not an array", src.Fields.Items)
	}

	byID := make(map[string]config.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	return func(yield func(models.AvailabilityObservation) bool) {
		for _, item := range items.Array() {
			p, ok := byID[item.Get(src.Fields.ID).String()]
			if !ok {
				continue
			}
			stock := item.Get(src.Fields.InStock)
			if !stock.Exists() {
				continue
			}
			o := models.AvailabilityObservation{
				Key:        p.Key(),
				InStock:    truthy(stock),
				ObservedAt: at,
				SourceID:   src.ID,
				Confidence: models.Verified,
				URL:        productURL(p, src),
			}
			if src.Fields.Price != "" {
				if pv := item.Get(src.Fields.Price); pv.Exists() {
					if price, err := models.ParsePrice(pv.String()); err == nil {
						o.Price = &price
					}
				}
			}
			if !yield(o) {
				return
			}
		}
	}, nil
}

// truthy interprets common stock flag encodings.
func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.Number:
		return v.Int() > 0
	case gjson.String:
		switch strings.ToLower(strings.TrimSpace(v.Str)) {
		case "true", "yes", "in_stock", "instock", "in stock", "available", "1":
			return true
		}
	}
	return false
}
