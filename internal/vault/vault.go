// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package vault reads the credentials of the case database from a vault
// key/value secret. Both versions of the kv engine are supported, and the
// client authenticates either with a token or with a kubernetes service
// account.
package vault

import (
	"context"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/juju/errors"

	"github.com/juju/consolidator/domain/consolidation/state/mongostate"
)

const (
	// AuthToken authenticates with a static token.
	AuthToken = "token"

	// AuthKubernetes logs in with the service account token of the pod.
	AuthKubernetes = "kubernetes"

	// DefaultJWTPath is where kubernetes mounts the service account token.
	DefaultJWTPath = "/var/run/secrets/kubernetes.io/serviceaccount/token"

	// DefaultAddress and DefaultSecretPath apply when nothing else is
	// configured.
	DefaultAddress    = "http://127.0.0.1:8200"
	DefaultSecretPath = "secret/mongodb"
)

// Config describes where the credentials live and how to log in.
type Config struct {
	Address    string
	SecretPath string

	// KVVersion is 1 or 2. Zero reads SecretPath as given and accepts
	// the shape of either version.
	KVVersion int

	AuthMethod string
	Token      string

	// Role, JWTPath and AuthMount apply to kubernetes auth.
	Role      string
	JWTPath   string
	AuthMount string

	Timeout time.Duration
}

// Validate checks the config is usable.
func (c Config) Validate() error {
	if c.Address == "" {
		return errors.NotValidf("empty vault address")
	}
	if c.SecretPath == "" {
		return errors.NotValidf("empty vault secret path")
	}
	if c.KVVersion < 0 || c.KVVersion > 2 {
		return errors.NotValidf("kv version %d", c.KVVersion)
	}
	switch c.AuthMethod {
	case "", AuthToken:
		if c.Token == "" {
			return errors.NotValidf("token auth without token")
		}
	case AuthKubernetes:
		if c.Role == "" {
			return errors.NotValidf("kubernetes auth without role")
		}
	default:
		return errors.NotValidf("auth method %q", c.AuthMethod)
	}
	return nil
}

// Credentials are the username and password stored in the secret.
type Credentials struct {
	Username string
	Password string
}

// DialArgs returns base with the credentials filled in.
func (c Credentials) DialArgs(base mongostate.DialArgs) mongostate.DialArgs {
	base.Username = c.Username
	base.Password = c.Password
	return base
}

// Client reads secrets from vault.
type Client struct {
	config Config
	client *api.Client

	readFile func(string) ([]byte, error)
}

// NewClient returns a client for the configured vault. It does not log in
// until credentials are read.
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.JWTPath == "" {
		config.JWTPath = DefaultJWTPath
	}
	if config.AuthMount == "" {
		config.AuthMount = AuthKubernetes
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = config.Address
	if config.Timeout > 0 {
		vaultConfig.Timeout = config.Timeout
	}
	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return nil, errors.Annotate(err, "creating vault client")
	}
	client.ClearToken()
	if config.AuthMethod != AuthKubernetes {
		client.SetToken(config.Token)
	}
	return &Client{config: config, client: client, readFile: os.ReadFile}, nil
}

func (c *Client) login(ctx context.Context) error {
	if c.config.AuthMethod != AuthKubernetes || c.client.Token() != "" {
		return nil
	}
	jwt, err := c.readFile(c.config.JWTPath)
	if err != nil {
		return errors.Annotate(err, "reading service account token")
	}
	secret, err := c.client.Logical().WriteWithContext(ctx, path.Join("auth", c.config.AuthMount, "login"), map[string]any{
		"role": c.config.Role,
		"jwt":  strings.TrimSpace(string(jwt)),
	})
	if err != nil {
		return errors.Annotatef(maybePermissionDenied(err), "logging in to vault as role %q", c.config.Role)
	}
	if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
		return errors.Errorf("vault login as role %q returned no token", c.config.Role)
	}
	c.client.SetToken(secret.Auth.ClientToken)
	return nil
}

// ReadCredentials reads the username and password from the secret.
func (c *Client) ReadCredentials(ctx context.Context) (Credentials, error) {
	if err := c.login(ctx); err != nil {
		return Credentials{}, errors.Trace(err)
	}
	secretPath := c.secretPath()
	secret, err := c.client.Logical().ReadWithContext(ctx, secretPath)
	if isNotFound(err) || (err == nil && (secret == nil || secret.Data == nil)) {
		return Credentials{}, errors.NotFoundf("vault secret %q", secretPath)
	} else if err != nil {
		return Credentials{}, errors.Annotatef(maybePermissionDenied(err), "reading vault secret %q", secretPath)
	}

	fields := secret.Data
	if nested, ok := fields["data"].(map[string]any); ok && c.config.KVVersion != 1 {
		fields = nested
	}
	creds := Credentials{
		Username: stringField(fields, "username"),
		Password: stringField(fields, "password"),
	}
	if creds.Username == "" || creds.Password == "" {
		available := make([]string, 0, len(fields))
		for k := range fields {
			available = append(available, k)
		}
		sort.Strings(available)
		return Credentials{}, errors.Annotatef(MissingCredentials,
			"vault secret %q has fields %v", secretPath, available)
	}
	return creds, nil
}

// Ping checks vault is reachable and unsealed.
func (c *Client) Ping(ctx context.Context) error {
	health, err := c.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return errors.Annotate(err, "checking vault health")
	}
	if health.Sealed {
		return errors.Errorf("vault at %s is sealed", c.config.Address)
	}
	return nil
}

// secretPath inserts the data segment kv version 2 reads through, after
// the mount.
func (c *Client) secretPath() string {
	p := strings.Trim(c.config.SecretPath, "/")
	if c.config.KVVersion != 2 {
		return p
	}
	mount, rest, found := strings.Cut(p, "/")
	if !found || strings.HasPrefix(rest, "data/") {
		return p
	}
	return mount + "/data/" + rest
}

func stringField(fields map[string]any, name string) string {
	s, _ := fields[name].(string)
	return s
}
