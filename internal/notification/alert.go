package notification

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"stockwatch/internal/models"
)

// newAlert builds the immutable message for a transition. The idempotency
// key depends only on (key, kind, transition time).
func (s *Service) newAlert(tr models.Transition) models.AlertMessage {
	name, url := tr.Key.ProductID, tr.Current.URL
	if s.catalog != nil {
		if p, ok := s.catalog.Product(tr.Key); ok {
			if p.Name != "" {
				name = p.Name
			}
			if p.URL != "" {
				url = p.URL
			}
		}
	}

	msg := models.AlertMessage{
		ID:             uuid.New(),
		Key:            tr.Key,
		Kind:           tr.Kind,
		Priority:       priorityFor(tr.Kind),
		IdempotencyKey: models.IdempotencyKey(tr.Key, tr.Kind, tr.At),
		URL:            url,
		CreatedAt:      s.now(),
		TransitionAt:   tr.At,
	}
	msg.Title, msg.Payload = compose(tr, name)
	return msg
}

func priorityFor(kind models.AlertKind) models.Priority {
	if kind == models.BackInStock {
		return models.PriorityHigh
	}
	return models.PriorityNormal
}

func compose(tr models.Transition, name string) (title, payload string) {
	retailer := tr.Key.RetailerID
	var b strings.Builder

	switch tr.Kind {
	case models.BackInStock:
		title = "Back in stock: " + name
		fmt.Fprintf(&b, "%s is back in stock at %s", name, retailer)
		if tr.Current.HasPrice() {
			fmt.Fprintf(&b, " for %s", formatPrice(*tr.Current.Price, tr.Current.Currency))
		}
		b.WriteString(". Buy now before it sells out!")
	case models.PriceDrop:
		title = "Price drop: " + name
		fmt.Fprintf(&b, "%s dropped", name)
		if tr.PreviousPrice != nil && tr.Current.Price != nil {
			fmt.Fprintf(&b, " from %s to %s", formatPrice(*tr.PreviousPrice, tr.Current.Currency), formatPrice(*tr.Current.Price, tr.Current.Currency))
			if tr.PreviousPrice.IsPositive() {
				pct := tr.PreviousPrice.Sub(*tr.Current.Price).Div(*tr.PreviousPrice).Mul(decimal.NewFromInt(100))
				fmt.Fprintf(&b, " (%s%% off)", pct.StringFixed(1))
			}
		}
		fmt.Fprintf(&b, " at %s, currently %s.", retailer, tr.Current.StockLabel())
	case models.OutOfStock:
		title = "Sold out: " + name
		fmt.Fprintf(&b, "%s is out of stock again at %s.", name, retailer)
	default:
		title = name
		b.WriteString(tr.Current.StockLabel())
	}
	fmt.Fprintf(&b, "\nDetected %s", tr.At.UTC().Format("2006-01-02 15:04:05 MST"))
	return title, b.String()
}

func formatPrice(p decimal.Decimal, currency string) string {
	if currency == "" {
		return p.StringFixed(2)
	}
	return p.StringFixed(2) + " " + currency
}
