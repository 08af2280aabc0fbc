package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"flowintake/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database for the given driver type.
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		db, err = sql.Open("sqlite3", dbCfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS facilitators (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				username TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL,
				company TEXT NOT NULL,
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS facilitator_tokens (
				token TEXT PRIMARY KEY,
				facilitator_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(facilitator_id) REFERENCES facilitators(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				facilitator_id INTEGER NOT NULL,
				company TEXT NOT NULL,
				facilitator TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				finished INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(facilitator_id) REFERENCES facilitators(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL,
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS workflow_records (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				session_id INTEGER NOT NULL,
				title TEXT NOT NULL,
				start_event TEXT NOT NULL,
				end_event TEXT NOT NULL,
				people TEXT NOT NULL,
				systems TEXT NOT NULL,
				pain_point TEXT NOT NULL,
				score REAL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(session_id) REFERENCES sessions(id) ON DELETE CASCADE
			)`,
			`CREATE TABLE IF NOT EXISTS ai_suggestions (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				workflow_id INTEGER NOT NULL,
				step_label TEXT NOT NULL,
				suggestion TEXT NOT NULL,
				tool_name TEXT NOT NULL,
				complexity TEXT NOT NULL,
				roi_score REAL NOT NULL,
				sources TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				FOREIGN KEY(workflow_id) REFERENCES workflow_records(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tokens_facilitator ON facilitator_tokens(facilitator_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_facilitator ON sessions(facilitator_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at DESC)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_workflows_session ON workflow_records(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_suggestions_workflow ON ai_suggestions(workflow_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS facilitators (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				username VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL,
				company VARCHAR(255) NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS facilitator_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				facilitator_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_tokens_facilitator (facilitator_id),
				CONSTRAINT fk_tokens_facilitator FOREIGN KEY (facilitator_id) REFERENCES facilitators(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS sessions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				facilitator_id BIGINT UNSIGNED NOT NULL,
				company VARCHAR(255) NOT NULL,
				facilitator VARCHAR(255) NOT NULL,
				title VARCHAR(255) NOT NULL DEFAULT '',
				finished TINYINT(1) NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_sessions_facilitator (facilitator_id),
				INDEX idx_sessions_created_at (created_at),
				CONSTRAINT fk_sessions_facilitator FOREIGN KEY (facilitator_id) REFERENCES facilitators(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				session_id BIGINT UNSIGNED NOT NULL,
				role VARCHAR(50) NOT NULL,
				content MEDIUMTEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_messages_session (session_id),
				CONSTRAINT fk_messages_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS workflow_records (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				session_id BIGINT UNSIGNED NOT NULL,
				title VARCHAR(255) NOT NULL,
				start_event TEXT NOT NULL,
				end_event TEXT NOT NULL,
				people TEXT NOT NULL,
				systems TEXT NOT NULL,
				pain_point TEXT NOT NULL,
				score DOUBLE,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_workflows_session (session_id),
				CONSTRAINT fk_workflows_session FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS ai_suggestions (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				workflow_id BIGINT UNSIGNED NOT NULL,
				step_label VARCHAR(255) NOT NULL,
				suggestion MEDIUMTEXT NOT NULL,
				tool_name VARCHAR(255) NOT NULL,
				complexity VARCHAR(50) NOT NULL,
				roi_score DOUBLE NOT NULL,
				sources TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_suggestions_workflow (workflow_id),
				CONSTRAINT fk_suggestions_workflow FOREIGN KEY (workflow_id) REFERENCES workflow_records(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}
	return nil
}
