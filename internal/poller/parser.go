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

// maxBodyBytes caps how much of a source response is read.
const maxBodyBytes = 8 << 20

// Parser turns one source response into observations for the given products.
// Parse validates the document eagerly and returns a lazy sequence; the
// sequence is finite and may be ranged over once per poll cycle.
type Parser interface {
	Parse(r io.Reader, src config.Source, products []config.Product, at time.Time) (iter.Seq[models.AvailabilityObservation], error)
}

// NewParser returns the parser registered for a source type.
func NewParser(kind string) (Parser, error) {
	switch kind {
	case "nvidia":
		return nvidiaParser{}, nil
	case "html":
		return htmlParser{}, nil
	case "json":
		return jsonParser{}, nil
	default:
		return nil, fmt.Errorf("poller: unsupported source type %q", kind)
	}
}

// matchTerms returns the lower-case terms a listing title must contain.
func matchTerms(p config.Product) []string {
	if len(p.Match) > 0 {
		out := make([]string, 0, len(p.Match))
		for _, m := range p.Match {
			out = append(out, strings.ToLower(m))
		}
		return out
	}
	if p.Name != "" {
		return []string{strings.ToLower(p.Name)}
	}
	return []string{strings.ToLower(p.ID)}
}

func titleMatches(title string, terms []string) bool {
	title = strings.ToLower(title)
	for _, t := range terms {
		if !strings.Contains(title, t) {
			return false
		}
	}
	return true
}

func productURL(p config.Product, src config.Source) string {
	if p.URL != "" {
		return p.URL
	}
	return src.Endpoint
}
