package command

import (
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v3"
	"go.uber.org/multierr"
)

func createCommand(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("name")
	if name == "" {
		return fmt.Errorf("migration name is required")
	}

	s, err := openSession(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	path, err := s.manager.GenerateMigration(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to create migration: %w", err)
	}

	fmt.Fprintf(s.out, "Created migration %s\n", path)
	return nil
}

func bumpCommand(ctx context.Context, cmd *cli.Command) error {
	name := cmd.StringArg("name")
	if name == "" {
		return fmt.Errorf("migration name is required")
	}

	s, err := openSession(ctx, cmd, false)
	if err != nil {
		return err
	}
	defer s.Close()

	path, ok, err := s.manager.BumpMigration(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to bump migration: %w", err)
	}
	if !ok {
		return fmt.Errorf("no migration named %q in %s", name, s.manager.MigrationsPath())
	}

	fmt.Fprintf(s.out, "Bumped migration to %s\n", path)
	return nil
}

func appliedCommand(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	ids, err := s.manager.GetAppliedMigrationIDs(ctx)
	if err != nil {
		return err
	}

	for _, id := range ids {
		fmt.Fprintln(s.out, id)
	}
	return nil
}

func statusCommand(ctx context.Context, cmd *cli.Command) error {
	s, err := openSession(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	status, err := s.manager.Status(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(s.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS")
	for _, m := range status.Local {
		state := "pending"
		if m.IsApplied {
			state = "applied"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", m.ID, m.Name, state)
	}
	for _, id := range status.Missing {
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, "-", "missing file")
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(s.out, "\n%d applied, %d pending, %d missing\n",
		len(status.Applied), len(status.Pending), len(status.Missing))
	return nil
}

func applyCommand(ctx context.Context, cmd *cli.Command) (err error) {
	s, err := openSession(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	defer func() { err = multierr.Append(err, s.pushMetrics(cmd)) }()

	applied, err := s.manager.ApplyMigrations(ctx, routineArg(cmd))
	if len(applied) > 0 {
		fmt.Fprintf(s.out, "Applied %s\n", strings.Join(applied, ", "))
	}
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		fmt.Fprintln(s.out, "No pending migrations to apply")
	}
	return nil
}

func rollbackCommand(ctx context.Context, cmd *cli.Command) (err error) {
	s, err := openSession(ctx, cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()
	defer func() { err = multierr.Append(err, s.pushMetrics(cmd)) }()

	rolledBack, err := s.manager.RollbackMigrations(ctx, routineArg(cmd), cmd.Int("count"))
	if len(rolledBack) > 0 {
		fmt.Fprintf(s.out, "Rolled back %s\n", strings.Join(rolledBack, ", "))
	}
	if err != nil {
		return err
	}
	if len(rolledBack) == 0 {
		fmt.Fprintln(s.out, "No applied migrations to roll back")
	}
	return nil
}
