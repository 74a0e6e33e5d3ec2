// Package main provides the sqlsink CLI. It inspects the checkpoint and
// dead-letter audit tables a worker writes and exports failed records for
// replay through the file source.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/janovincze/sqlsink/internal/checkpoint"
	"github.com/janovincze/sqlsink/internal/config"
	"github.com/janovincze/sqlsink/internal/deadletter"
)

var version = "dev"

func main() {
	if err := run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	command := newRootCommand()
	parsedArgs := []string{}
	if len(args) > 1 {
		parsedArgs = args[1:]
	}
	command.SetArgs(parsedArgs)
	return command.Execute()
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "sqlsink-cli",
		Short:        "Inspect sqlsink checkpoints and dead-letter records",
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().Duration("timeout", 30*time.Second, "timeout for database calls")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "show version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "sqlsink-cli version %s\n", version)
			return nil
		},
	})
	root.AddCommand(newConfigCommand())
	root.AddCommand(newCheckpointsCommand())
	root.AddCommand(newDeadLettersCommand())
	return root
}

func newConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "show recognized environment variables and validate the current environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rows := make([][]string, 0, len(config.Keys()))
			for _, key := range config.Keys() {
				value, set := os.LookupEnv(key.Name)
				if !set {
					value = ""
				} else if key.Name == "SQLSINK_DATABASE_URL" || key.Name == "SQLSINK_CHECKPOINT_DSN" || key.Name == "SQLSINK_DLQ_DSN" {
					value = "(set)"
				}
				rows = append(rows, []string{key.Name, key.Default, value, key.Description})
			}
			renderTable(cmd.OutOrStdout(), []string{"Variable", "Default", "Current", "Description"}, rows)

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nconfiguration is invalid:\n%v\n", err)
				return errors.New("invalid configuration")
			}
			fmt.Fprintln(cmd.OutOrStdout(), "\nconfiguration is valid")
			return nil
		},
	}
}

func newCheckpointsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "checkpoints",
		Short: "manage recorded stream positions",
	}
	command.PersistentFlags().String("dsn", "", "audit database DSN (defaults to SQLSINK_CHECKPOINT_DSN)")

	command.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "list the last acknowledged position per partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			mgr, err := openCheckpoints(ctx, cmd)
			if err != nil {
				return err
			}
			defer mgr.Close()

			checkpoints, err := mgr.List(ctx)
			if err != nil {
				return err
			}
			renderCheckpoints(cmd.OutOrStdout(), checkpoints)
			return nil
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "delete <source_id>",
		Short: "forget the recorded position of one partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			mgr, err := openCheckpoints(ctx, cmd)
			if err != nil {
				return err
			}
			defer mgr.Close()

			if err := mgr.Delete(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted checkpoint for %s\n", args[0])
			return nil
		},
	})

	return command
}

func newDeadLettersCommand() *cobra.Command {
	command := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "inspect records that stopped a worker",
	}
	command.PersistentFlags().String("dsn", "", "audit database DSN (defaults to SQLSINK_DLQ_DSN)")

	list := &cobra.Command{
		Use:   "list",
		Short: "list dead-letter records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeadLetters(cmd, func(ctx context.Context, mgr deadletter.Manager) error {
				records, err := readDeadLetters(ctx, cmd, mgr)
				if err != nil {
					return err
				}
				renderDeadLetters(cmd.OutOrStdout(), records)
				return nil
			})
		},
	}
	addReadFlags(list)
	command.AddCommand(list)

	export := &cobra.Command{
		Use:   "export",
		Short: "write dead-letter payloads as newline-delimited JSON for SQLSINK_SOURCE=file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeadLetters(cmd, func(ctx context.Context, mgr deadletter.Manager) error {
				records, err := readDeadLetters(ctx, cmd, mgr)
				if err != nil {
					return err
				}
				return exportPayloads(cmd.OutOrStdout(), records)
			})
		},
	}
	addReadFlags(export)
	command.AddCommand(export)

	command.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "count dead-letter records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeadLetters(cmd, func(ctx context.Context, mgr deadletter.Manager) error {
				n, err := mgr.Count(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), n)
				return nil
			})
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "cleanup",
		Short: "remove expired dead-letter records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withDeadLetters(cmd, func(ctx context.Context, mgr deadletter.Manager) error {
				n, err := mgr.Cleanup(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d expired records\n", n)
				return nil
			})
		},
	})

	command.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "delete one dead-letter record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}
			return withDeadLetters(cmd, func(ctx context.Context, mgr deadletter.Manager) error {
				if err := mgr.Delete(ctx, id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted dead-letter record %d\n", id)
				return nil
			})
		},
	})

	return command
}

func addReadFlags(cmd *cobra.Command) {
	cmd.Flags().String("source", "", "only records from this partition (topic/partition)")
	cmd.Flags().Int("limit", 100, "maximum number of records")
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil || timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(cmd.Context(), timeout)
}

// resolveDSN prefers the --dsn flag and falls back to the worker's variable.
func resolveDSN(cmd *cobra.Command, fallback string) (string, error) {
	dsn, err := cmd.Flags().GetString("dsn")
	if err != nil {
		return "", err
	}
	if dsn == "" {
		dsn = fallback
	}
	if dsn == "" {
		return "", errors.New("no audit database configured: pass --dsn or set the environment variable")
	}
	return dsn, nil
}

func openCheckpoints(ctx context.Context, cmd *cobra.Command) (*checkpoint.PostgresManager, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dsn, err := resolveDSN(cmd, cfg.Checkpoint.DSN)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewPostgresManager(ctx, checkpoint.PostgresConfig{DSN: dsn, MaxOpenConns: 1}, nil)
}

func withDeadLetters(cmd *cobra.Command, fn func(ctx context.Context, mgr deadletter.Manager) error) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	dsn, err := resolveDSN(cmd, cfg.DeadLetter.DSN)
	if err != nil {
		return err
	}
	mgr, err := deadletter.Open(ctx, deadletter.PostgresConfig{DSN: dsn, Retention: cfg.DeadLetter.Retention}, nil)
	if err != nil {
		return err
	}
	defer mgr.Close()

	return fn(ctx, mgr)
}

func readDeadLetters(ctx context.Context, cmd *cobra.Command, mgr deadletter.Manager) ([]deadletter.FailedRecord, error) {
	source, err := cmd.Flags().GetString("source")
	if err != nil {
		return nil, err
	}
	limit, err := cmd.Flags().GetInt("limit")
	if err != nil {
		return nil, err
	}
	if source != "" {
		return mgr.ReadBySource(ctx, source, limit)
	}
	return mgr.Read(ctx, limit)
}

func renderCheckpoints(w io.Writer, checkpoints []checkpoint.Checkpoint) {
	rows := make([][]string, 0, len(checkpoints))
	for _, cp := range checkpoints {
		rows = append(rows, []string{
			cp.SourceID,
			strconv.FormatInt(cp.Offset, 10),
			cp.RunID,
			cp.CommittedAt.UTC().Format(time.RFC3339),
		})
	}
	renderTable(w, []string{"Source", "Offset", "Run", "Committed"}, rows)
}

func renderDeadLetters(w io.Writer, records []deadletter.FailedRecord) {
	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			strconv.FormatInt(rec.ID, 10),
			rec.SourceID + "@" + strconv.FormatInt(rec.Offset, 10),
			rec.Backend,
			rec.Operation + " " + rec.TableName,
			string(rec.ErrorType),
			truncate(rec.ErrorMessage, 60),
			rec.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	renderTable(w, []string{"ID", "Position", "Backend", "Operation", "Type", "Error", "Created"}, rows)
}

// exportPayloads writes one payload per line, the format FileSource reads.
func exportPayloads(w io.Writer, records []deadletter.FailedRecord) error {
	for _, rec := range records {
		if rec.ErrorType == deadletter.ErrorTypeDecode {
			continue
		}
		// One line per record, whatever layout the producer used.
		var line bytes.Buffer
		if err := json.Compact(&line, rec.Payload); err != nil {
			return fmt.Errorf("compact payload %d: %w", rec.ID, err)
		}
		line.WriteByte('\n')
		if _, err := w.Write(line.Bytes()); err != nil {
			return fmt.Errorf("write payload %d: %w", rec.ID, err)
		}
	}
	return nil
}

func renderTable(w io.Writer, headers []string, rows [][]string) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	header := make(table.Row, len(headers))
	for i, value := range headers {
		header[i] = value
	}
	t.AppendHeader(header)
	for _, rowValues := range rows {
		row := make(table.Row, len(rowValues))
		for i, value := range rowValues {
			row[i] = value
		}
		t.AppendRow(row)
	}
	t.Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
