package binance

import (
	"binance-grid-bot-go/internal/config"
	"go.uber.org/zap"
)

// Client bundles the REST API and the trade stream for one account.
type Client struct {
	*RestClient
	*Streamer
}

func NewClient(cfg *config.Binance, apiKey, secretKey string, logger *zap.Logger) *Client {
	return &Client{
		RestClient: NewRestClient(cfg, apiKey, secretKey, logger),
		Streamer:   NewStreamer(cfg, logger),
	}
}
