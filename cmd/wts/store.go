package main

import (
	"wts/internal/auth"
	"wts/internal/config"
	"wts/internal/observability"
	"wts/internal/storage"
	pgstore "wts/internal/storage/postgres"
	sqlitestore "wts/internal/storage/sqlite"
)

func sqliteDSN(cfg *config.Config) string {
	if cfg.SQLiteDSN != "" {
		return cfg.SQLiteDSN
	}
	return sqlitestore.DefaultDSN
}

// selectStores picks PostgreSQL if DATABASE_URL is set, otherwise SQLite.
// The session store shares the token store's connection.
func selectStores(cfg *config.Config, logger observability.Logger) (storage.TokenStore, auth.SessionStore) {
	if cfg.DatabaseURL != "" {
		st, err := pgstore.New(cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres init failed; falling back to sqlite", "error", err)
		} else {
			logger.Info("using postgres store")
			return st, auth.NewPostgresSessionStoreFromPool(st.Pool())
		}
	}
	dsn := sqliteDSN(cfg)
	st, err := sqlitestore.New(dsn)
	if err != nil {
		logger.Error("sqlite init failed; falling back to memory store", "error", err)
		return storage.NewMemoryTokenStore(), auth.NewMemorySessionStore()
	}
	logger.Info("using sqlite store", "dsn", dsn)
	return st, auth.NewSQLiteSessionStoreFromDB(st.DB())
}

// runMigrationsCLI executes migration commands.
func runMigrationsCLI(cfg *config.Config, logger observability.Logger, cmd string) {
	switch cmd {
	case "up":
		// Opening a store applies pending migrations.
		st, _ := selectStores(cfg, logger)
		_ = st.Close()
		runMigrationsCLI(cfg, logger, "status")
	case "status":
		var (
			status string
			err    error
		)
		if cfg.DatabaseURL != "" {
			status, err = pgstore.Status(cfg.DatabaseURL)
		} else {
			status, err = sqlitestore.Status(sqliteDSN(cfg))
		}
		if err != nil {
			logger.Error("migrations status unavailable", "error", err)
			return
		}
		logger.Info("migrations status", "status", status)
	default:
		logger.Warn("unknown migrate command", "command", cmd)
	}
}
