package trader

import (
	"sort"

	"binance-grid-bot-go/internal/models"
	"github.com/shopspring/decimal"
)

// CacheEntry is the part of an open trade the sell path needs to pick a candidate.
type CacheEntry struct {
	ID            uint
	PriceBuy      decimal.Decimal
	PriceWaitSell decimal.Decimal
	Symbol        string
	ConfigID      uint
}

func entryOf(t *models.Trade) CacheEntry {
	return CacheEntry{
		ID:            t.ID,
		PriceBuy:      t.PriceBuy,
		PriceWaitSell: t.PriceWaitSell,
		Symbol:        t.Symbol,
		ConfigID:      t.ConfigID,
	}
}

// OrderCache holds the lowest-target open trades, ascending by PriceWaitSell.
// It is not safe for concurrent use; EngineState guards it.
type OrderCache struct {
	entries  []CacheEntry
	capacity int
}

func newOrderCache(capacity int) *OrderCache {
	return &OrderCache{capacity: capacity}
}

// Load replaces the contents with the given open trades.
func (c *OrderCache) Load(trades []models.Trade) {
	c.entries = c.entries[:0]
	for i := range trades {
		if trades[i].IsOpen() && trades[i].PriceWaitSell.IsPositive() {
			c.entries = append(c.entries, entryOf(&trades[i]))
		}
	}
	sort.SliceStable(c.entries, func(i, j int) bool {
		return c.entries[i].PriceWaitSell.LessThan(c.entries[j].PriceWaitSell)
	})
	c.trim()
}

// Add inserts a trade at its sorted position. When full, the highest target falls off.
func (c *OrderCache) Add(t *models.Trade) {
	c.Remove(t.ID)
	e := entryOf(t)
	i := sort.Search(len(c.entries), func(i int) bool {
		return c.entries[i].PriceWaitSell.GreaterThan(e.PriceWaitSell)
	})
	c.entries = append(c.entries, CacheEntry{})
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
	c.trim()
}

func (c *OrderCache) Remove(id uint) {
	for i, e := range c.entries {
		if e.ID == id {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			return
		}
	}
}

// FirstSellable returns the lowest entry whose target is at or below price.
func (c *OrderCache) FirstSellable(price decimal.Decimal) (CacheEntry, bool) {
	if len(c.entries) == 0 || c.entries[0].PriceWaitSell.GreaterThan(price) {
		return CacheEntry{}, false
	}
	return c.entries[0], true
}

func (c *OrderCache) Len() int { return len(c.entries) }

func (c *OrderCache) Clear() { c.entries = c.entries[:0] }

// Entries returns a copy of the cache contents.
func (c *OrderCache) Entries() []CacheEntry {
	out := make([]CacheEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

func (c *OrderCache) trim() {
	if c.capacity > 0 && len(c.entries) > c.capacity {
		c.entries = c.entries[:c.capacity]
	}
}
