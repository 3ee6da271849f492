package poller

import (
	"fmt"
	"io"
	"iter"
	"strings"
	"time"

	"stockwatch/internal/config"
	"stockwatch/internal/models"
)

var (
	outOfStockIndicators = []string{"out of stock", "notify me", "coming soon", "unavailable", "sold out"}
	inStockIndicators    = []string{"add to cart", "buy now", "add to basket", "purchase"}
)

// htmlParser infers availability from store page text. The page is in
// stock only when a buy indicator is present and no sold-out indicator is.
type htmlParser struct{}

func (htmlParser) Parse(r io.Reader, src config.Source, products []config.Product, at time.Time) (iter.Seq[models.AvailabilityObservation], error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read page: %w", err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty page")
	}
	inStock := pageInStock(strings.ToLower(string(body)))

	return func(yield func(models.AvailabilityObservation) bool) {
		for _, p := range products {
			o := models.AvailabilityObservation{
				Key:        p.Key(),
				InStock:    inStock,
				ObservedAt: at,
				SourceID:   src.ID,
				Confidence: models.Heuristic,
				URL:        productURL(p, src),
			}
			if !yield(o) {
				return
			}
		}
	}, nil
}

func pageInStock(content string) bool {
	for _, ind := range outOfStockIndicators {
		if strings.Contains(content, ind) {
			return false
		}
	}
	for _, ind := range inStockIndicators {
		if strings.Contains(content, ind) {
			return true
		}
	}
	return false
}
