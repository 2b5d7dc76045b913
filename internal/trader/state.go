package trader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"binance-grid-bot-go/internal/models"
	"github.com/shopspring/decimal"
)

// EngineState is the mutable state shared by concurrent ticks.
// Buy and sell exclusivity go through the gate methods; the cache,
// pause flag and rebuy timer sit behind one mutex.
type EngineState struct {
	clock           func() time.Time
	minBuyInterval  time.Duration
	minSellInterval time.Duration

	// unix nanos of the last buy attempt and the last completed sell, 0 if never
	lastBuy  atomic.Int64
	lastSell atomic.Int64
	sellGate chan struct{}

	mu           sync.Mutex
	cache        *OrderCache
	paused       bool
	waitingSince time.Time
}

func NewEngineState(clock func() time.Time, minBuy, minSell time.Duration, cacheSize int) *EngineState {
	return &EngineState{
		clock:           clock,
		minBuyInterval:  minBuy,
		minSellInterval: minSell,
		sellGate:        make(chan struct{}, 1),
		cache:           newOrderCache(cacheSize),
	}
}

// RecentlyBought is the cheap pre-check used to skip whole ticks.
func (s *EngineState) RecentlyBought() bool {
	last := s.lastBuy.Load()
	return last != 0 && s.clock().UnixNano()-last < s.minBuyInterval.Nanoseconds()
}

// TryAcquireBuy stamps the buy time if minBuyInterval has passed since the
// previous stamp. Exactly one of any set of concurrent callers wins.
func (s *EngineState) TryAcquireBuy() bool {
	for {
		prev := s.lastBuy.Load()
		now := s.clock().UnixNano()
		if prev != 0 && now-prev < s.minBuyInterval.Nanoseconds() {
			return false
		}
		if s.lastBuy.CompareAndSwap(prev, now) {
			return true
		}
	}
}

// StampBuy records a buy that did not go through the interval check.
func (s *EngineState) StampBuy() {
	s.lastBuy.Store(s.clock().UnixNano())
}

// TryAcquireSell takes the sell gate without blocking and checks minSellInterval.
// The returned release func must be called when ok is true.
func (s *EngineState) TryAcquireSell() (release func(), ok bool) {
	select {
	case s.sellGate <- struct{}{}:
	default:
		return nil, false
	}
	last := s.lastSell.Load()
	if last != 0 && s.clock().UnixNano()-last < s.minSellInterval.Nanoseconds() {
		<-s.sellGate
		return nil, false
	}
	return s.releaseSell, true
}

// AcquireSell waits for the sell gate, ignoring the interval.
func (s *EngineState) AcquireSell(ctx context.Context) (release func(), err error) {
	select {
	case s.sellGate <- struct{}{}:
		return s.releaseSell, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *EngineState) releaseSell() {
	<-s.sellGate
}

// SellCompleted stamps the sell time, drops the trade from the cache and lifts the pause.
func (s *EngineState) SellCompleted(id uint) {
	s.lastSell.Store(s.clock().UnixNano())
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(id)
	s.paused = false
}

func (s *EngineState) LastBuy() time.Time  { return unixNanoTime(s.lastBuy.Load()) }
func (s *EngineState) LastSell() time.Time { return unixNanoTime(s.lastSell.Load()) }

func unixNanoTime(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Paused reports whether buying is suspended for lack of balance.
func (s *EngineState) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// SetPaused sets the pause flag and reports whether it changed.
func (s *EngineState) SetPaused(paused bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.paused != paused
	s.paused = paused
	return changed
}

// WaitingSince is when the rebuy timer started, zero if it is not running.
func (s *EngineState) WaitingSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitingSince
}

// StartWaiting starts the rebuy timer unless it is already running.
func (s *EngineState) StartWaiting(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.waitingSince.IsZero() {
		s.waitingSince = now
	}
}

func (s *EngineState) ResetWaiting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waitingSince = time.Time{}
}

func (s *EngineState) ReloadCache(trades []models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Load(trades)
}

func (s *EngineState) AddToCache(t *models.Trade) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Add(t)
}

func (s *EngineState) RemoveFromCache(id uint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Remove(id)
}

func (s *EngineState) CacheLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Len()
}

func (s *EngineState) CacheEntries() []CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.Entries()
}

func (s *EngineState) FirstSellable(price decimal.Decimal) (CacheEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cache.FirstSellable(price)
}

// Reset clears everything a run leaves behind. The sell gate is left alone
// because an in-flight sell from the previous run may still hold it.
func (s *EngineState) Reset() {
	s.mu.Lock()
	s.cache.Clear()
	s.paused = false
	s.waitingSince = time.Time{}
	s.mu.Unlock()
	s.lastBuy.Store(0)
	s.lastSell.Store(0)
}

func (s *EngineState) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Clear()
}
