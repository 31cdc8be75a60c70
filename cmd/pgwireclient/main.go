// Command pgwireclient is a small example program showing Pool wired up
// against a YAML config file: it runs a single query through the pool,
// prints the result, and, when -diag-port is set, serves the diagnostics
// HTTP server until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbbouncer/pgwire"
	"github.com/dbbouncer/pgwire/internal/yamlconfig"
	"github.com/dbbouncer/pgwire/pgmetrics"
	"github.com/dbbouncer/pgwire/pgwirediag"
	"github.com/dbbouncer/pgwire/pool"
)

func main() {
	configPath := flag.String("config", "configs/pgwireclient.yaml", "path to configuration file")
	query := flag.String("query", "SELECT 1", "SQL statement to prepare and execute on startup")
	diagPort := flag.Int("diag-port", 0, "if non-zero, serve /metrics and /debug/pool on this port")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := yamlconfig.Load(*configPath)
	if err != nil {
		log.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "path", *configPath, "host", cfg.Connection.Host, "database", cfg.Connection.Database)

	connCfg := toConnectionConfig(*cfg, log)

	p := pool.New(pool.Config{
		Connect:                    func() (*pgwire.Connection, error) { return pgwire.Connect(connCfg) },
		MaxConnections:             cfg.Pool.MaxConnections,
		MaxPendingRequests:         cfg.Pool.MaxPendingRequests,
		PendingRequestTimeout:      cfg.Pool.PendingRequestTimeout,
		AllocatedConnectionTimeout: cfg.Pool.AllocatedConnectionTimeout,
		Logger:                     log,
	})
	defer p.Close(true)

	watcher, err := yamlconfig.NewWatcher(*configPath, func(newCfg *yamlconfig.Config) {
		log.Info("config reloaded; the running pool keeps the settings it was created with")
		cfg = newCfg
	}, log)
	if err != nil {
		log.Warn("config hot-reload not available", "error", err)
	} else {
		defer watcher.Close()
	}

	if *diagPort != 0 {
		metrics := pgmetrics.New(p)
		diag := pgwirediag.NewServer(p, metrics, log)
		if err := diag.Start(*diagPort); err != nil {
			log.Warn("diagnostics server failed to start", "error", err)
		} else {
			defer diag.Stop()
		}
	}

	if err := runQuery(p, *query, log); err != nil {
		log.Error("query failed", "error", err)
		os.Exit(1)
	}

	if *diagPort != 0 {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig.String())
	}
}

func toConnectionConfig(cfg yamlconfig.Config, log *slog.Logger) pgwire.Config {
	var cred pgwire.Credential
	switch cfg.Connection.AuthMethod {
	case "cleartext":
		cred = pgwire.CleartextCredential(cfg.Connection.Password)
	case "md5":
		cred = pgwire.MD5Credential(cfg.Connection.Password)
	case "scram-sha-256":
		cred = pgwire.SCRAMSHA256Credential(cfg.Connection.Password)
	default:
		cred = pgwire.TrustCredential()
	}
	return pgwire.Config{
		Host:            cfg.Connection.Host,
		Port:            cfg.Connection.Port,
		Database:        cfg.Connection.Database,
		User:            cfg.Connection.User,
		Credential:      cred,
		ApplicationName: cfg.Connection.ApplicationName,
		Logger:          log,
	}
}

func runQuery(p *pool.Pool, query string, log *slog.Logger) error {
	ctx := context.Background()
	return p.WithConnection(ctx, func(conn *pgwire.Connection) error {
		stmt, err := conn.Prepare(query)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()

		cur, err := conn.Execute(stmt, nil, true)
		if err != nil {
			return fmt.Errorf("execute: %w", err)
		}
		defer cur.Close()

		cols, _ := cur.Columns()
		printColumnHeader(cols)

		for {
			row, ok, err := cur.NextRow()
			if err != nil {
				return fmt.Errorf("fetching row: %w", err)
			}
			if !ok {
				break
			}
			printRow(row)
		}
		log.Info("query complete", "command", cur.Command(), "rows_affected", cur.RowsAffected())
		return nil
	})
}

func printColumnHeader(cols []pgwire.ColumnMetadata) {
	for i, c := range cols {
		if i > 0 {
			fmt.Print("\t")
		}
		fmt.Print(c.Name)
	}
	if len(cols) > 0 {
		fmt.Println()
	}
}

func printRow(row pgwire.Row) {
	for i, v := range row.Columns() {
		if i > 0 {
			fmt.Print("\t")
		}
		if text, ok := v.Text(); ok {
			fmt.Print(text)
		} else {
			fmt.Print("NULL")
		}
	}
	fmt.Println()
}
