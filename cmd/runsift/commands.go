package main

import (
	"bufio"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/thebtf/runsift/internal/db/gorm"
	"github.com/thebtf/runsift/pkg/models"
)

func ingestCmd() *cobra.Command {
	var (
		runID    string
		severity string
		ts       string
	)

	cmd := &cobra.Command{
		Use:   "ingest [message]",
		Short: "Record an event and queue it for deduplication",
		Long: `Record one event for a run. ERROR and CRITICAL events are queued for the worker;
other severities are only stored.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := uuid.Parse(runID)
			if err != nil {
				return fmt.Errorf("invalid --run: %w", err)
			}
			sev, err := models.ParseSeverity(severity)
			if err != nil {
				return err
			}
			at := time.Now()
			if ts != "" {
				at, err = time.Parse(time.RFC3339Nano, ts)
				if err != nil {
					return fmt.Errorf("invalid --ts: %w", err)
				}
			}

			cfg := loadConfig()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			event := &models.Event{
				RunID:    run,
				Severity: sev,
				TS:       at,
				Message:  strings.Join(args, " "),
			}
			if err := gorm.NewEventStore(store).Record(cmd.Context(), event); err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(event)
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run ID (UUID)")
	cmd.Flags().StringVarP(&severity, "severity", "s", string(models.SeverityError), "Event severity")
	cmd.Flags().StringVar(&ts, "ts", "", "Event timestamp (RFC3339, default now)")
	_ = cmd.MarkFlagRequired("run")
	return cmd
}

func sanitizeCmd() *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "sanitize [text]",
		Short: "Print the sanitized form of messages",
		Long: `Sanitize the given text, or each line of stdin when no text is given, with the
configured rules. Useful for checking which messages will be treated as duplicates.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			run := uuid.Nil
			if runID != "" {
				var err error
				run, err = uuid.Parse(runID)
				if err != nil {
					return fmt.Errorf("invalid --run: %w", err)
				}
			}

			sanitizer, err := buildSanitizer(loadConfig())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			emit := func(text string) {
				clean, err := sanitizer.Sanitize(run, text)
				if err != nil {
					log.Debug().Err(err).Str("text", text).Msg("Message sanitized to nothing")
					fmt.Fprintln(out)
					return
				}
				fmt.Fprintln(out, clean)
			}

			if len(args) > 0 {
				emit(strings.Join(args, " "))
				return nil
			}
			scanner := bufio.NewScanner(cmd.InOrStdin())
			scanner.Buffer(make([]byte, 64*1024), 1024*1024)
			for scanner.Scan() {
				emit(scanner.Text())
			}
			return scanner.Err()
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run ID whose own references are collapsed")
	return cmd
}

func pruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete events older than a retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			cfg := loadConfig()
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().Add(-olderThan)
			n, err := gorm.NewEventStore(store).DeleteRunsBefore(cmd.Context(), cutoff)
			if err != nil {
				return fmt.Errorf("prune events: %w", err)
			}
			log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("Pruned events")
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events\n", n)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Retention period")
	return cmd
}
