// Package notify fans engine events out to Discord, Telegram and the alert log.
package notify

import (
	"context"
	"time"
)

// Kind identifies what happened.
type Kind string

const (
	KindBuySuccess     Kind = "BuySuccess"
	KindSellSuccess    Kind = "SellSuccess"
	KindError          Kind = "Error"
	KindBuyRetry       Kind = "BuyRetry"
	KindBuyFailed      Kind = "BuyFailed"
	KindLifecycleStart Kind = "LifecycleStart"
	KindLifecycleStop  Kind = "LifecycleStop"
	KindForcedClose    Kind = "ForcedClose"
	KindSummary        Kind = "Summary"
)

// Embed colours, shared by every sink that renders colour.
const (
	colorError = 0xe74c3c
	colorBuy   = 0x2ecc71
	colorSell  = 0xe67e22
	colorStart = 0x3498db
	colorStop  = 0x95a5a6
	colorRetry = 0xf39c12
)

// Field is one name/value line of an event.
type Field struct {
	Name  string
	Value string
}

// Event is a single notification.
type Event struct {
	Kind     Kind
	Title    string
	Message  string
	ConfigID uint
	Symbol   string
	Fields   []Field
	Time     time.Time
}

// Level maps the kind to a log severity.
func (e Event) Level() string {
	switch e.Kind {
	case KindError, KindBuyFailed:
		return "error"
	case KindBuyRetry, KindForcedClose:
		return "warning"
	default:
		return "info"
	}
}

func (e Event) Color() int {
	switch e.Kind {
	case KindError, KindBuyFailed:
		return colorError
	case KindBuySuccess:
		return colorBuy
	case KindSellSuccess, KindForcedClose:
		return colorSell
	case KindLifecycleStart, KindSummary:
		return colorStart
	case KindLifecycleStop:
		return colorStop
	case KindBuyRetry:
		return colorRetry
	default:
		return colorStop
	}
}

// Notifier accepts events without blocking the caller on delivery.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// Sink delivers an event to one destination.
type Sink interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(context.Context, Event) {}
