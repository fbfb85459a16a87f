// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config assembles process configuration at boot from three
// layers: environment variables, AWS Secrets Manager (database
// credentials), and the agent_config_store table. The resulting Config is
// an immutable value passed explicitly into constructors.
package config

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tombee/stepflow/pkg/errors"
)

// DefaultListenAddr is used when the config store does not override it.
const DefaultListenAddr = "0.0.0.0:8080"

// Config is the complete process configuration.
type Config struct {
	// Environment
	AWSRegion  string
	DBSecretID string
	DBHost     string
	DBName     string
	DBPort     string
	AppName    string
	Env        string

	// Secrets Manager
	DBUser     string
	DBPassword string

	// Config store
	MCPServerURL string
	A2AServerURL string
	ListenAddr   string
	LogLevel     string
}

// FromEnv reads the environment layer. Local deployments may also supply
// DB_USER and DB_PASSWORD directly instead of a secret id.
func FromEnv() Config {
	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}
	return Config{
		AWSRegion:  os.Getenv("AWS_REGION"),
		DBSecretID: os.Getenv("DB_SECRET_ID"),
		DBHost:     os.Getenv("DB_HOST"),
		DBName:     os.Getenv("DB_NAME"),
		DBPort:     os.Getenv("DB_PORT"),
		AppName:    os.Getenv("APP_NAME"),
		Env:        env,
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		ListenAddr: DefaultListenAddr,
	}
}

// Load assembles the full configuration: environment, database
// credentials from Secrets Manager, then settings rows from the config
// store. The returned database handle is the shared application pool.
func Load(ctx context.Context) (Config, *sql.DB, error) {
	cfg := FromEnv()

	if cfg.DBSecretID != "" {
		user, password, err := fetchDBCredentials(ctx, cfg.AWSRegion, cfg.DBSecretID)
		if err != nil {
			return cfg, nil, &errors.ConfigError{
				Key:    "DB_SECRET_ID",
				Reason: "failed to fetch database credentials",
				Cause:  err,
			}
		}
		cfg.DBUser = user
		cfg.DBPassword = password
	}

	db, err := sql.Open("pgx", cfg.DSN())
	if err != nil {
		return cfg, nil, &errors.ConfigError{Key: "DB_HOST", Reason: "failed to open database", Cause: err}
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return cfg, nil, &errors.ConfigError{Key: "DB_HOST", Reason: "failed to connect to database", Cause: err}
	}

	cfg, err = cfg.WithStore(ctx, db, "$1")
	if err != nil {
		db.Close()
		return cfg, nil, err
	}

	return cfg, db, nil
}

// DSN builds a pgx connection string from the database fields.
func (c Config) DSN() string {
	host := c.DBHost
	if c.DBPort != "" {
		host = fmt.Sprintf("%s:%s", c.DBHost, c.DBPort)
	}
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.DBUser, c.DBPassword),
		Host:   host,
		Path:   "/" + c.DBName,
	}
	return u.String()
}

// WithStore returns a copy of the configuration with the agent's config
// store rows applied. Unknown keys are ignored. placeholder is the
// driver's positional marker ("$1" for pgx, "?" for sqlite).
func (c Config) WithStore(ctx context.Context, db *sql.DB, placeholder string) (Config, error) {
	query := fmt.Sprintf(`
		SELECT acs.key, acs.value
		FROM agent a
		INNER JOIN agent_config_store acs ON a.agent_id = acs.agent_id
		WHERE a.name = %s`, placeholder)

	rows, err := db.QueryContext(ctx, query, c.AppName)
	if err != nil {
		return c, &errors.ConfigError{Key: "agent_config_store", Reason: "failed to query config store", Cause: err}
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return c, &errors.ConfigError{Key: "agent_config_store", Reason: "failed to scan config row", Cause: err}
		}
		c = c.apply(key, value)
	}
	if err := rows.Err(); err != nil {
		return c, &errors.ConfigError{Key: "agent_config_store", Reason: "failed to iterate config rows", Cause: err}
	}

	return c, nil
}

// apply maps a config store key to its field.
func (c Config) apply(key, value string) Config {
	switch key {
	case "mcp_server_url":
		c.MCPServerURL = value
	case "a2a_server_url":
		c.A2AServerURL = value
	case "listen_addr":
		c.ListenAddr = value
	case "log_level":
		c.LogLevel = value
	}
	return c
}
