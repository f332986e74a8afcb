package ami

import (
	"time"

	"go.uber.org/zap"
)

// Option настраивает клиент при создании
type Option func(*Client)

// WithActionTimeout задаёт таймаут ожидания ответа на Action
// (по умолчанию 5 секунд)
func WithActionTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.actionTimeout = timeout
		}
	}
}

// WithConnectTimeout задаёт таймаут установки TCP соединения
// (по умолчанию 10 секунд)
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.connectTimeout = timeout
		}
	}
}

// WithReadTimeout задаёт read-дедлайн цикла чтения. Короткий дедлайн
// ускоряет реакцию на остановку, длинный снижает холостые пробуждения
// (по умолчанию 1 секунда).
func WithReadTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.readTimeout = timeout
		}
	}
}

// WithLogger задаёт логгер клиента (по умолчанию zap.NewNop)
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics задаёт сборщик метрик. Без этой опции метрики
// не собираются.
func WithMetrics(metrics *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = metrics
	}
}
