package publishing

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/osteele/liquid"

	"github.com/shelfcast/publisher/internal/domain"
)

// Composer produces the text sent to each platform. Items that carry their
// own text use it verbatim; sales items without text are rendered from
// Liquid templates bound to the book.
type Composer struct {
	engine      *liquid.Engine
	sales       string
	perPlatform map[domain.Platform]string
	cache       sync.Map // template source -> *liquid.Template
}

// NewComposer creates a composer with a default sales template and optional
// per-platform overrides keyed by platform name.
func NewComposer(salesTemplate string, perPlatform map[string]string) *Composer {
	c := &Composer{
		engine:      liquid.NewEngine(),
		sales:       salesTemplate,
		perPlatform: make(map[domain.Platform]string, len(perPlatform)),
	}
	for k, v := range perPlatform {
		c.perPlatform[domain.Platform(k)] = v
	}

	// Currency formatting: {{ price | currency }}
	c.engine.RegisterFilter("currency", func(value interface{}) string {
		switch v := value.(type) {
		case float64:
			return fmt.Sprintf("$%.2f", v)
		case int:
			return fmt.Sprintf("$%d.00", v)
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return fmt.Sprintf("$%.2f", f)
			}
			return v
		default:
			return fmt.Sprintf("%v", value)
		}
	})
	return c
}

// Compose returns the post text of item for platform.
func (c *Composer) Compose(item *domain.ScheduledItem, platform domain.Platform) (string, error) {
	if text := strings.TrimSpace(item.Text); text != "" {
		return item.Text, nil
	}
	if item.Kind != domain.KindSales || item.Book == nil {
		return "", ErrEmptyText
	}

	src := c.sales
	if override, ok := c.perPlatform[platform]; ok && override != "" {
		src = override
	}
	tpl, err := c.template(src)
	if err != nil {
		return "", fmt.Errorf("parse %s template: %w", platform, err)
	}

	bindings := map[string]interface{}{
		"title":    item.Book.Title,
		"link":     item.Book.ProductURL,
		"platform": string(platform),
	}
	// A zero price is left unbound so {% if price %} stays false.
	if item.Book.Price > 0 {
		bindings["price"] = item.Book.Price
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", platform, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", ErrEmptyText
	}
	return out, nil
}

func (c *Composer) template(src string) (*liquid.Template, error) {
	if cached, ok := c.cache.Load(src); ok {
		return cached.(*liquid.Template), nil
	}
	tpl, err := c.engine.ParseString(src)
	if err != nil {
		return nil, err
	}
	c.cache.Store(src, tpl)
	return tpl, nil
}
