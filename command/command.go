// Package command provides the datamig command line interface. Applications
// that author Go migrations build their own binary around New after
// blank-importing their migrations package, so the routines are registered.
package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mantty/datamig"
	"github.com/mantty/datamig/dataapi"
	"github.com/mantty/datamig/postgres"
	"github.com/mantty/datamig/sqldb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const defaultConfigFile = "datamig.yaml"

var errNoDatabase = errors.New("this command does not connect to a database")

// New builds the root command
func New(version string) *cli.Command {
	return &cli.Command{
		Name:    "datamig",
		Usage:   "Schema migrations over the RDS Data API",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the configuration file",
				Value:   defaultConfigFile,
				Sources: cli.EnvVars("DATAMIG_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "stage",
				Aliases: []string{"s"},
				Usage:   "Stage whose connection block is used",
				Value:   "dev",
				Sources: cli.EnvVars("DATAMIG_STAGE"),
			},
			&cli.StringFlag{
				Name:    "working-dir",
				Usage:   "Project root, defaults to the directory of the configuration file",
				Sources: cli.EnvVars("DATAMIG_WORKING_DIR"),
			},
			&cli.BoolFlag{
				Name:    "local",
				Usage:   "Connect directly to the stage's local database instead of the Data API",
				Sources: cli.EnvVars("DATAMIG_LOCAL"),
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log debug output",
			},
			&cli.StringMapFlag{
				Name:  "context",
				Usage: "key=value pairs handed to migration routines",
			},
			&cli.StringFlag{
				Name:    "pushgateway",
				Usage:   "Prometheus Pushgateway URL receiving run metrics",
				Sources: cli.EnvVars("DATAMIG_PUSHGATEWAY"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write an example configuration file",
				Action: initCommand,
			},
			{
				Name:  "create",
				Usage: "Create a new migration",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name:      "name",
						UsageText: "NAME",
						Config: cli.StringConfig{
							TrimSpace: true,
						},
					},
				},
				Action: createCommand,
			},
			{
				Name:  "bump",
				Usage: "Move a migration to the current time so it runs after newer ones",
				Arguments: []cli.Argument{
					&cli.StringArg{
						Name:      "name",
						UsageText: "NAME",
						Config: cli.StringConfig{
							TrimSpace: true,
						},
					},
				},
				Action: bumpCommand,
			},
			{
				Name:   "applied",
				Usage:  "List applied migration identifiers",
				Action: appliedCommand,
			},
			{
				Name:   "status",
				Usage:  "Show applied, pending and missing migrations",
				Action: statusCommand,
			},
			{
				Name:   "apply",
				Usage:  "Apply pending migrations",
				Action: applyCommand,
			},
			{
				Name:  "rollback",
				Usage: "Roll back the most recently applied migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:    "count",
						Aliases: []string{"n"},
						Usage:   "Number of migrations to roll back",
						Value:   1,
					},
				},
				Action: rollbackCommand,
			},
		},
	}
}

// session is the state shared by commands that run a Manager
type session struct {
	manager  *datamig.Manager
	logger   *zap.Logger
	registry *prometheus.Registry
	stage    string
	closeDB  func() error
	out      io.Writer
}

func (s *session) Close() error {
	_ = s.logger.Sync()
	if s.closeDB == nil {
		return nil
	}
	return s.closeDB()
}

// openSession loads the configuration and, when connect is set, connects to
// the database
func openSession(ctx context.Context, cmd *cli.Command, connect bool) (*session, error) {
	logger, err := newLogger(cmd.Bool("verbose"))
	if err != nil {
		return nil, err
	}

	stage := cmd.String("stage")
	cfg, err := datamig.LoadConfig(cmd.String("config"), stage)
	if err != nil {
		return nil, err
	}
	if dir := cmd.String("working-dir"); dir != "" {
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve working directory: %w", err)
		}
		cfg.WorkingDirectory = abs
	}

	registry := prometheus.NewRegistry()
	cfg.LocalMode = cmd.Bool("local")
	cfg.Logger = logger
	cfg.Metrics = datamig.NewMetrics(registry)

	s := &session{
		logger:   logger,
		registry: registry,
		stage:    stage,
		out:      cmd.Root().Writer,
	}

	var db datamig.DataAPI = offlineDB{}
	if connect {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		db, s.closeDB, err = newClient(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	}

	s.manager, err = datamig.NewManager(cfg, db)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// newClient picks the adapter for the configured connection
func newClient(ctx context.Context, cfg datamig.Config) (datamig.DataAPI, func() error, error) {
	conn := cfg.Connection

	if !cfg.LocalMode {
		db, err := dataapi.New(ctx, dataapi.Options{
			ResourceARN: conn.ResourceARN,
			SecretARN:   conn.SecretARN,
			Database:    conn.Database,
			Schema:      conn.Schema,
			Region:      conn.Region,
			Profile:     conn.Profile,
			Endpoint:    conn.Endpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	switch conn.Local.Driver {
	case "postgres", "postgresql", "pgx":
		db, err := postgres.NewDB(ctx, conn.Local.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		db, err := sqldb.Open(ctx, conn.Local.Driver, conn.Local.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Encoding = "console"
		cfg.DisableStacktrace = true
		logger, err = cfg.Build()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}

// routineArg turns --context pairs into the argument handed to routines
func routineArg(cmd *cli.Command) any {
	values := cmd.StringMap("context")
	if len(values) == 0 {
		return nil
	}
	return values
}

// pushMetrics sends the run metrics to a Pushgateway when one is configured
func (s *session) pushMetrics(cmd *cli.Command) error {
	url := cmd.String("pushgateway")
	if url == "" {
		return nil
	}
	err := push.New(url, "datamig").
		Gatherer(s.registry).
		Grouping("stage", s.stage).
		Push()
	if err != nil {
		return fmt.Errorf("failed to push metrics: %w", err)
	}
	return nil
}

// offlineDB stands in for the database in commands that only touch files
type offlineDB struct{}

func (offlineDB) Execute(context.Context, string, datamig.Params, ...datamig.ExecuteOption) (*datamig.Result, error) {
	return nil, errNoDatabase
}

func initCommand(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("configuration file %s already exists", path)
	}
	if err := os.WriteFile(path, []byte(datamig.GenerateExampleConfig()), 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	fmt.Fprintf(cmd.Root().Writer, "Created %s\n", path)
	return nil
}
