// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config reads the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"

	"github.com/juju/consolidator/domain/consolidation/state/mongostate"
	"github.com/juju/consolidator/internal/vault"
)

const (
	// StoreMemory keeps cases in process memory.
	StoreMemory = "memory"

	// StoreMongo keeps cases in mongo.
	StoreMongo = "mongo"
)

// Config is the daemon configuration.
type Config struct {
	Store     string
	Mongo     Mongo
	Vault     Vault
	Ingest    Ingest
	Reconcile Reconcile
	HTTP      HTTP
	Tracing   Tracing
	Logging   string
}

// Mongo describes the case database.
type Mongo struct {
	Addrs      []string
	Database   string
	Username   string
	Password   string
	AuthSource string
	Timeout    time.Duration
	TLS        bool
}

// DialArgs returns the arguments to dial the configured database.
func (m Mongo) DialArgs() mongostate.DialArgs {
	return mongostate.DialArgs{
		Addrs:      m.Addrs,
		Database:   m.Database,
		Username:   m.Username,
		Password:   m.Password,
		AuthSource: m.AuthSource,
		Timeout:    m.Timeout,
		TLS:        m.TLS,
	}
}

// Vault describes where the mongo credentials are read from. It is only
// used when Enabled.
type Vault struct {
	Enabled    bool
	Address    string
	Token      string
	SecretPath string
	KVVersion  int
	AuthMethod string
	Role       string
	JWTPath    string
	AuthMount  string
}

// ClientConfig returns the vault client config.
func (v Vault) ClientConfig() vault.Config {
	return vault.Config{
		Address:    v.Address,
		Token:      v.Token,
		SecretPath: v.SecretPath,
		KVVersion:  v.KVVersion,
		AuthMethod: v.AuthMethod,
		Role:       v.Role,
		JWTPath:    v.JWTPath,
		AuthMount:  v.AuthMount,
	}
}

// Ingest tunes the ingestion pipeline.
type Ingest struct {
	Workers      int
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Reconcile tunes the reconciliation sweep. A zero interval disables it.
type Reconcile struct {
	Interval time.Duration
}

// HTTP configures the query API.
type HTTP struct {
	Listen string
}

// Tracing configures span export. An empty endpoint disables it.
type Tracing struct {
	Endpoint string
	Insecure bool
}

const (
	keyStore     = "store"
	keyMongo     = "mongo"
	keyVault     = "vault"
	keyIngest    = "ingest"
	keyReconcile = "reconcile"
	keyHTTP      = "http"
	keyTracing   = "tracing"
	keyLogging   = "logging-config"
)

var mongoChecker = schema.FieldMap(schema.Fields{
	"addrs":       schema.List(schema.NonEmptyString("mongo addr")),
	"database":    schema.NonEmptyString("mongo database"),
	"username":    schema.String(),
	"password":    schema.String(),
	"auth-source": schema.String(),
	"timeout":     schema.TimeDuration(),
	"tls":         schema.Bool(),
}, schema.Defaults{
	"addrs":       []any{"localhost:27017"},
	"database":    "admin",
	"username":    "",
	"password":    "",
	"auth-source": "admin",
	"timeout":     "10s",
	"tls":         false,
})

var vaultChecker = schema.FieldMap(schema.Fields{
	"enabled":     schema.Bool(),
	"address":     schema.String(),
	"token":       schema.String(),
	"secret-path": schema.String(),
	"kv-version":  schema.ForceInt(),
	"auth-method": schema.OneOf(schema.Const(vault.AuthToken), schema.Const(vault.AuthKubernetes)),
	"role":        schema.String(),
	"jwt-path":    schema.String(),
	"auth-mount":  schema.String(),
}, schema.Defaults{
	"enabled":     false,
	"address":     vault.DefaultAddress,
	"token":       "",
	"secret-path": vault.DefaultSecretPath,
	"kv-version":  0,
	"auth-method": vault.AuthToken,
	"role":        "",
	"jwt-path":    vault.DefaultJWTPath,
	"auth-mount":  vault.AuthKubernetes,
})

var ingestChecker = schema.FieldMap(schema.Fields{
	"workers":       schema.ForceInt(),
	"attempts":      schema.ForceInt(),
	"initial-delay": schema.TimeDuration(),
	"max-delay":     schema.TimeDuration(),
}, schema.Defaults{
	"workers":       4,
	"attempts":      5,
	"initial-delay": "20ms",
	"max-delay":     "1s",
})

var reconcileChecker = schema.FieldMap(schema.Fields{
	"interval": schema.TimeDuration(),
}, schema.Defaults{
	"interval": "5m",
})

var httpChecker = schema.FieldMap(schema.Fields{
	"listen": schema.String(),
}, schema.Defaults{
	"listen": ":8080",
})

var tracingChecker = schema.FieldMap(schema.Fields{
	"otlp-endpoint": schema.String(),
	"insecure":      schema.Bool(),
}, schema.Defaults{
	"otlp-endpoint": "",
	"insecure":      false,
})

var configChecker = schema.StrictFieldMap(schema.Fields{
	keyStore:     schema.OneOf(schema.Const(StoreMemory), schema.Const(StoreMongo)),
	keyMongo:     mongoChecker,
	keyVault:     vaultChecker,
	keyIngest:    ingestChecker,
	keyReconcile: reconcileChecker,
	keyHTTP:      httpChecker,
	keyTracing:   tracingChecker,
	keyLogging:   schema.String(),
}, schema.Defaults{
	keyStore:     StoreMemory,
	keyMongo:     map[string]any{},
	keyVault:     map[string]any{},
	keyIngest:    map[string]any{},
	keyReconcile: map[string]any{},
	keyHTTP:      map[string]any{},
	keyTracing:   map[string]any{},
	keyLogging:   "<root>=INFO",
})

// Default returns the configuration used when no file is given.
func Default() Config {
	cfg, err := Parse(nil)
	if err != nil {
		panic(err)
	}
	return cfg
}

// ReadFile reads and parses the configuration file at path.
func ReadFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Annotate(err, "reading config")
	}
	cfg, err := Parse(data)
	return cfg, errors.Annotatef(err, "parsing %s", path)
}

// Parse parses YAML configuration, filling in defaults for everything not
// given.
func Parse(data []byte) (Config, error) {
	attrs := make(map[string]any)
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return Config{}, errors.NewNotValid(err, "config is not valid yaml")
	}
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return Config{}, errors.NewNotValid(err, "")
	}
	m := coerced.(map[string]any)

	mongo := m[keyMongo].(map[string]any)
	vaultAttrs := m[keyVault].(map[string]any)
	ingest := m[keyIngest].(map[string]any)
	tracing := m[keyTracing].(map[string]any)

	cfg := Config{
		Store: m[keyStore].(string),
		Mongo: Mongo{
			Addrs:      stringList(mongo["addrs"]),
			Database:   mongo["database"].(string),
			Username:   mongo["username"].(string),
			Password:   mongo["password"].(string),
			AuthSource: mongo["auth-source"].(string),
			Timeout:    mongo["timeout"].(time.Duration),
			TLS:        mongo["tls"].(bool),
		},
		Vault: Vault{
			Enabled:    vaultAttrs["enabled"].(bool),
			Address:    vaultAttrs["address"].(string),
			Token:      vaultAttrs["token"].(string),
			SecretPath: vaultAttrs["secret-path"].(string),
			KVVersion:  vaultAttrs["kv-version"].(int),
			AuthMethod: vaultAttrs["auth-method"].(string),
			Role:       vaultAttrs["role"].(string),
			JWTPath:    vaultAttrs["jwt-path"].(string),
			AuthMount:  vaultAttrs["auth-mount"].(string),
		},
		Ingest: Ingest{
			Workers:      ingest["workers"].(int),
			Attempts:     ingest["attempts"].(int),
			InitialDelay: ingest["initial-delay"].(time.Duration),
			MaxDelay:     ingest["max-delay"].(time.Duration),
		},
		Reconcile: Reconcile{
			Interval: m[keyReconcile].(map[string]any)["interval"].(time.Duration),
		},
		HTTP: HTTP{
			Listen: m[keyHTTP].(map[string]any)["listen"].(string),
		},
		Tracing: Tracing{
			Endpoint: tracing["otlp-endpoint"].(string),
			Insecure: tracing["insecure"].(bool),
		},
		Logging: m[keyLogging].(string),
	}
	return cfg, errors.Trace(cfg.Validate())
}

// Validate checks the values the schema cannot.
func (c Config) Validate() error {
	if c.Store == StoreMongo && !c.Vault.Enabled {
		if err := c.Mongo.DialArgs().Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	if c.Vault.Enabled {
		if err := c.Vault.ClientConfig().Validate(); err != nil {
			return errors.Trace(err)
		}
	}
	if c.Ingest.Workers < 1 {
		return errors.NotValidf("ingest workers %d", c.Ingest.Workers)
	}
	if c.Ingest.Attempts < 1 {
		return errors.NotValidf("ingest attempts %d", c.Ingest.Attempts)
	}
	if c.Ingest.InitialDelay > c.Ingest.MaxDelay {
		return errors.NotValidf("ingest initial-delay %v above max-delay %v", c.Ingest.InitialDelay, c.Ingest.MaxDelay)
	}
	if c.Reconcile.Interval < 0 {
		return errors.NotValidf("negative reconcile interval")
	}
	return nil
}

// ApplyEnv overrides the configuration with the variables the deployment
// scripts export: VAULT_ADDR, VAULT_TOKEN, VAULT_SECRET_PATH, MONGO_HOST,
// MONGO_PORT, MONGO_DATABASE and MONGO_AUTH_SOURCE.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("VAULT_ADDR"); v != "" {
		c.Vault.Address = v
	}
	if v := getenv("VAULT_TOKEN"); v != "" {
		c.Vault.Token = v
	}
	if v := getenv("VAULT_SECRET_PATH"); v != "" {
		c.Vault.SecretPath = v
	}
	host, port := getenv("MONGO_HOST"), getenv("MONGO_PORT")
	if host != "" || port != "" {
		if host == "" {
			host = "localhost"
		}
		if port == "" {
			port = "27017"
		}
		if _, err := strconv.Atoi(port); err != nil {
			return errors.NotValidf("MONGO_PORT %q", port)
		}
		c.Mongo.Addrs = []string{fmt.Sprintf("%s:%s", host, port)}
	}
	if v := getenv("MONGO_DATABASE"); v != "" {
		c.Mongo.Database = v
	}
	if v := getenv("MONGO_AUTH_SOURCE"); v != "" {
		c.Mongo.AuthSource = v
	}
	return errors.Trace(c.Validate())
}

func stringList(v any) []string {
	items, _ := v.([]any)
	result := make([]string, len(items))
	for i, item := range items {
		result[i] = item.(string)
	}
	return result
}
