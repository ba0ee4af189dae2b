// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package main

import (
	"context"
	"os"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	"github.com/juju/consolidator/cmd"
	"github.com/juju/consolidator/domain/consolidation/service"
	"github.com/juju/consolidator/domain/consolidation/state/memstate"
	"github.com/juju/consolidator/domain/consolidation/state/mongostate"
	"github.com/juju/consolidator/internal/config"
	"github.com/juju/consolidator/internal/vault"
)

// storeOpener opens the case store described by the config. The returned
// func releases it.
type storeOpener func(ctx context.Context, cfg config.Config) (service.State, func(), error)

// configFlags is embedded by every command that needs the daemon config.
type configFlags struct {
	path   string
	getenv func(string) string
	open   storeOpener
}

func (f *configFlags) addFlags(fs *gnuflag.FlagSet) {
	fs.StringVar(&f.path, "config", "", "Path to the daemon configuration file")
}

func (f *configFlags) load(ctx *cmd.Context) (config.Config, error) {
	cfg := config.Default()
	if f.path != "" {
		var err error
		if cfg, err = config.ReadFile(ctx.AbsPath(f.path)); err != nil {
			return config.Config{}, errors.Trace(err)
		}
	}
	getenv := f.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if err := cfg.ApplyEnv(getenv); err != nil {
		return config.Config{}, errors.Annotate(err, "applying environment")
	}
	return cfg, nil
}

func (f *configFlags) openStore(ctx context.Context, cfg config.Config) (service.State, func(), error) {
	open := f.open
	if open == nil {
		open = openStore
	}
	return open(ctx, cfg)
}

func openStore(ctx context.Context, cfg config.Config) (service.State, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return memstate.NewState(), func() {}, nil
	case config.StoreMongo:
	default:
		return nil, nil, errors.NotValidf("store %q", cfg.Store)
	}

	args := cfg.Mongo.DialArgs()
	if cfg.Vault.Enabled {
		client, err := vault.NewClient(cfg.Vault.ClientConfig())
		if err != nil {
			return nil, nil, errors.Trace(err)
		}
		creds, err := client.ReadCredentials(ctx)
		if err != nil {
			return nil, nil, errors.Annotate(err, "reading mongo credentials")
		}
		args = creds.DialArgs(args)
		logger.Infof("using mongo credentials for %q from vault", creds.Username)
	}
	db, err := mongostate.Dial(args)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	return mongostate.NewState(db), db.Close, nil
}
