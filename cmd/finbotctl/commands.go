package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"finance-bot/internal/domain"
	"finance-bot/internal/usecase/reminder"
)

type deadLetterOpener func(ctx context.Context) (domain.DeadLetterStore, func(), error)

type pollerOpener func(ctx context.Context, batch int) (*reminder.Poller, func(), error)

func deadCmd(open deadLetterOpener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Задачи доставки, исчерпавшие попытки",
	}
	cmd.AddCommand(deadListCmd(open), deadRequeueCmd(open))
	return cmd
}

func deadListCmd(open deadLetterOpener) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Показать dead-задачи",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			jobs, err := store.ListDead(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "dead-задач нет")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tREMINDER\tUSER\tDUE\tATTEMPTS\tTEXT")
			for _, job := range jobs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%d\t%s\n",
					job.ID, job.ReminderID, job.UserID, job.DueAt.Format(time.RFC3339), job.Attempt, job.Text)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "сколько задач показать (0 = все)")
	return cmd
}

func deadRequeueCmd(open deadLetterOpener) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Вернуть dead-задачу в очередь со сброшенным счётчиком попыток",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeFn, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()
			ok, err := store.RequeueDead(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("dead-задача %s не найдена", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "задача %s возвращена в очередь\n", args[0])
			return nil
		},
	}
}

func deliverDueCmd(open pollerOpener) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "deliver-due",
		Short: "Один цикл доставки просроченных напоминаний",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			poller, closeFn, err := open(cmd.Context(), batch)
			if err != nil {
				return err
			}
			defer closeFn()
			sent, err := poller.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "доставлено напоминаний: %d\n", sent)
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "размер выборки (по умолчанию POLLER_BATCH)")
	return cmd
}
