package dialer

import (
	"fmt"
	"time"
)

// Config конфигурация провайдера исходящих вызовов.
//
// Теги mapstructure позволяют загружать конфигурацию через viper
// из YAML-файла (см. cmd/dialer).
type Config struct {
	// Подключение к AMI
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Secret   string `mapstructure:"secret"`

	// Параметры постановки вызова
	ChannelTechnology string `mapstructure:"channel_technology"` // SIP, PJSIP и т.п.
	Context           string `mapstructure:"context"`            // контекст диалплана
	Extension         string `mapstructure:"extension"`          // extension в диалплане
	CallerID          string `mapstructure:"caller_id"`

	// ActionTimeout таймаут ожидания ответа на команды AMI
	ActionTimeout time.Duration `mapstructure:"action_timeout"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		Host:              "localhost",
		Port:              5038,
		ChannelTechnology: "SIP",
		Context:           "outbound",
		Extension:         "s",
		CallerID:          "Agent <1000>",
		ActionTimeout:     5 * time.Second,
	}
}

// Validate проверяет обязательные поля конфигурации
func (c Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("dialer: host не задан")
	}
	if c.Username == "" {
		return fmt.Errorf("dialer: username не задан")
	}
	if c.Secret == "" {
		return fmt.Errorf("dialer: secret не задан")
	}
	if c.ChannelTechnology == "" {
		return fmt.Errorf("dialer: channel_technology не задан")
	}
	if c.Context == "" {
		return fmt.Errorf("dialer: context не задан")
	}
	if c.Extension == "" {
		return fmt.Errorf("dialer: extension не задан")
	}
	return nil
}
