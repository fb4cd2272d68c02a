package db

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"
)

// DataStore owns the sqlite connection shared by the repositories. The
// ConnectionLock serializes statements because sqlite allows one writer.
type DataStore struct {
	Connection     *sql.DB
	ConnectionLock sync.Mutex

	dbFilePath string
	logger     hclog.Logger
}

func NewSqliteDbConnection(logger hclog.Logger, dbFilePath string) *DataStore {
	return &DataStore{
		dbFilePath: dbFilePath,
		logger:     logger.Named("sqlite-db"),
	}
}

// OpenConnection opens a single-pool connection with foreign keys on.
func (dataStore *DataStore) OpenConnection() error {
	dataStore.ConnectionLock.Lock()
	defer dataStore.ConnectionLock.Unlock()

	if dataStore.Connection != nil {
		return nil
	}

	connection, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=1", dataStore.dbFilePath))
	if err != nil {
		return err
	}
	connection.SetMaxOpenConns(1)
	dataStore.Connection = connection
	return nil
}

// RunMigration applies the schema; idempotent via IF NOT EXISTS.
func (dataStore *DataStore) RunMigration() error {
	if err := dataStore.OpenConnection(); err != nil {
		return err
	}

	dataStore.ConnectionLock.Lock()
	defer dataStore.ConnectionLock.Unlock()

	_, err := dataStore.Connection.Exec(GetSetupSQL())
	if err != nil {
		dataStore.logger.Error("failed to run migration", "error", err)
	}
	return err
}

func (dataStore *DataStore) Close() error {
	dataStore.ConnectionLock.Lock()
	defer dataStore.ConnectionLock.Unlock()

	if dataStore.Connection == nil {
		return nil
	}
	return dataStore.Connection.Close()
}

func GetSetupSQL() string {
	return `
CREATE TABLE IF NOT EXISTS plans (
	id INTEGER NOT NULL,
	version INTEGER NOT NULL,
	name TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	schedule_option TEXT NOT NULL,
	job_specs TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	owner_address TEXT NOT NULL DEFAULT '',
	date_created DATETIME NOT NULL,
	date_updated DATETIME NOT NULL,
	PRIMARY KEY (id, version)
);

CREATE TABLE IF NOT EXISTS plan_instances (
	id TEXT NOT NULL PRIMARY KEY,
	plan_id INTEGER NOT NULL,
	plan_version INTEGER NOT NULL,
	status TEXT NOT NULL,
	schedule_type TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	trigger_at DATETIME NOT NULL,
	start_at DATETIME,
	feedback_at DATETIME,
	attributes TEXT NOT NULL DEFAULT '{}',
	message TEXT NOT NULL DEFAULT '',
	date_created DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_plan_instances_latest
	ON plan_instances (plan_id, plan_version, schedule_type, trigger_type, date_created);

CREATE TABLE IF NOT EXISTS job_instances (
	id TEXT NOT NULL PRIMARY KEY,
	plan_instance_id TEXT NOT NULL,
	plan_id INTEGER NOT NULL,
	plan_version INTEGER NOT NULL,
	job_id TEXT NOT NULL,
	status TEXT NOT NULL,
	retry_times INTEGER NOT NULL DEFAULT 0,
	context TEXT NOT NULL DEFAULT '{}',
	owner_address TEXT NOT NULL DEFAULT '',
	worker_id TEXT NOT NULL DEFAULT '',
	trigger_at DATETIME NOT NULL,
	start_at DATETIME,
	end_at DATETIME,
	last_report_at DATETIME,
	message TEXT NOT NULL DEFAULT '',
	date_created DATETIME NOT NULL,
	FOREIGN KEY (plan_instance_id) REFERENCES plan_instances(id)
);

CREATE INDEX IF NOT EXISTS idx_job_instances_latest
	ON job_instances (plan_instance_id, job_id, date_created);

CREATE INDEX IF NOT EXISTS idx_job_instances_owner_status
	ON job_instances (owner_address, status);

CREATE TABLE IF NOT EXISTS worker_nodes (
	id TEXT NOT NULL PRIMARY KEY,
	address TEXT NOT NULL,
	status TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '{}',
	executors TEXT NOT NULL DEFAULT '[]',
	available_queue_limit INTEGER NOT NULL DEFAULT 0,
	available_cpu REAL NOT NULL DEFAULT 0,
	available_ram REAL NOT NULL DEFAULT 0,
	last_heartbeat_at DATETIME NOT NULL,
	date_created DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS broker_nodes (
	address TEXT NOT NULL PRIMARY KEY,
	status TEXT NOT NULL,
	last_heartbeat_at DATETIME NOT NULL,
	date_created DATETIME NOT NULL
);
`
}
