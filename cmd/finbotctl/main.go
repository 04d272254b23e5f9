// Команда finbotctl обслуживает очередь напоминаний: dead-задачи и ручной цикл доставки.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"finance-bot/internal/app"
	"finance-bot/internal/domain"
	"finance-bot/internal/infra/config"
	applog "finance-bot/internal/infra/log"
	"finance-bot/internal/usecase/reminder"
)

var envFile string

func main() {
	root := &cobra.Command{
		Use:           "finbotctl",
		Short:         "Администрирование finance-bot",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "путь к .env с конфигурацией")

	root.AddCommand(deadCmd(openDeadLetters))
	root.AddCommand(deliverDueCmd(openPoller))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "finbotctl:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.AppConfig, zerolog.Logger, error) {
	cfg, err := config.LoadFrom(envFile)
	if err != nil {
		return config.AppConfig{}, zerolog.Nop(), err
	}
	return cfg, applog.NewLogger(cfg.AppEnv), nil
}

// openDeadLetters подключается к очереди из конфигурации.
func openDeadLetters(ctx context.Context) (domain.DeadLetterStore, func(), error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	client, err := app.OpenRedis(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	jobs, err := app.OpenJobStore(cfg, client)
	if err != nil {
		if client != nil {
			_ = client.Close()
		}
		return nil, nil, err
	}
	closeAll := func() {
		_ = jobs.Close()
		if client != nil {
			_ = client.Close()
		}
	}
	if jobs.JobStore == nil {
		closeAll()
		return nil, nil, app.ErrNoJobStore
	}
	dl, ok := jobs.DeadLetters()
	if !ok {
		closeAll()
		return nil, nil, fmt.Errorf("JOB_STORE=%s: dead-задачи хранит брокер, используйте его консоль", cfg.Jobs.Store)
	}
	return dl, closeAll, nil
}

// openPoller собирает поллер без распределённой блокировки для разового цикла.
func openPoller(ctx context.Context, batch int) (*reminder.Poller, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := app.OpenRepository(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	exec := app.NewExecutor(cfg, logger)
	channel, err := app.NewChannel(cfg, exec, logger)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	if batch <= 0 {
		batch = cfg.Poller.Batch
	}
	reminders := app.NewReminders(cfg, store, nil, channel, exec, logger)
	poller := reminder.NewPoller(store, reminders.Deliverer, nil, 0, batch, logger)
	return poller, func() { _ = store.Close() }, nil
}
