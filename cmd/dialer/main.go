// Утилита для ручной проверки исходящих вызовов через AMI.
//
// Примеры:
//
//	dialer dial +79991234567                       # конфигурация по умолчанию
//	dialer dial -c config.yaml +79991234567        # из YAML файла
//	dialer dial --host pbx.local --wait 2m 101     # флаги поверх файла
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arzzra/ami_dialer/pkg/dialer"
)

var (
	configFile string
	waitFor    time.Duration
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "dialer",
	Short: "Клиент управления исходящими вызовами через Asterisk AMI",
	Long: `dialer ставит исходящий вызов через management-интерфейс Asterisk
и наблюдает его жизненный цикл: originating -> dialing -> ringing ->
answered -> connected -> ended.`,
	Version: "0.1.0",
}

var dialCmd = &cobra.Command{
	Use:   "dial <номер>",
	Short: "Поставить исходящий вызов и наблюдать его до завершения",
	Args:  cobra.ExactArgs(1),
}

func init() {
	dialCmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runDial(cfg, args[0])
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "путь к YAML конфигурации")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "подробное логирование")

	dialCmd.Flags().DurationVar(&waitFor, "wait", time.Minute, "сколько ждать завершения вызова")
	dialCmd.Flags().String("host", "", "адрес AMI")
	dialCmd.Flags().Int("port", 0, "порт AMI")
	dialCmd.Flags().String("username", "", "пользователь AMI")
	dialCmd.Flags().String("secret", "", "пароль AMI")

	rootCmd.AddCommand(dialCmd)
}

// loadConfig собирает конфигурацию: значения по умолчанию, YAML файл,
// флаги командной строки - в порядке возрастания приоритета
func loadConfig() (dialer.Config, error) {
	v := viper.New()

	defaults := dialer.DefaultConfig()
	v.SetDefault("host", defaults.Host)
	v.SetDefault("port", defaults.Port)
	v.SetDefault("channel_technology", defaults.ChannelTechnology)
	v.SetDefault("context", defaults.Context)
	v.SetDefault("extension", defaults.Extension)
	v.SetDefault("caller_id", defaults.CallerID)
	v.SetDefault("action_timeout", defaults.ActionTimeout)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return dialer.Config{}, fmt.Errorf("чтение конфигурации: %w", err)
		}
	}

	flags := dialCmd.Flags()
	for _, key := range []string{"host", "username", "secret"} {
		if flag := flags.Lookup(key); flag != nil && flag.Changed {
			v.Set(key, flag.Value.String())
		}
	}
	if flag := flags.Lookup("port"); flag != nil && flag.Changed {
		port, err := flags.GetInt("port")
		if err != nil {
			return dialer.Config{}, err
		}
		v.Set("port", port)
	}

	var cfg dialer.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return dialer.Config{}, fmt.Errorf("разбор конфигурации: %w", err)
	}
	return cfg, nil
}

func newLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	return cfg.Build()
}

// runDial ставит вызов и печатает события жизненного цикла до
// завершения вызова либо истечения ожидания
func runDial(cfg dialer.Config, number string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	provider, err := dialer.New(cfg, dialer.WithLogger(logger))
	if err != nil {
		return err
	}

	if err := provider.Initialize(); err != nil {
		return err
	}
	defer provider.Close()

	ended := make(chan struct{})
	provider.RegisterCallback(dialer.EventCallAnswered, func(callID string, _ map[string]string) {
		fmt.Printf("вызов %s: ответили\n", callID)
	})
	provider.RegisterCallback(dialer.EventCallConnected, func(callID string, _ map[string]string) {
		fmt.Printf("вызов %s: соединение установлено\n", callID)
	})
	provider.RegisterCallback(dialer.EventCallEnded, func(callID string, fields map[string]string) {
		fmt.Printf("вызов %s: завершён, причина %s\n", callID, fields["Cause"])
		close(ended)
	})

	callID, err := provider.MakeCall(number)
	if err != nil {
		return err
	}
	fmt.Printf("вызов поставлен: %s -> %s\n", callID, number)

	select {
	case <-ended:
	case <-time.After(waitFor):
		fmt.Println("ожидание истекло, завершаем вызов")
		if err := provider.EndCall(callID); err != nil {
			logger.Warn("не удалось завершить вызов", zap.Error(err))
		}
	}

	if record, err := provider.CallStatus(callID); err == nil {
		fmt.Printf("итог: статус=%s длительность=%v\n",
			record.Status, record.EndTime.Sub(record.StartTime).Round(time.Second))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Ошибка:", err)
		os.Exit(1)
	}
}
