package main

import (
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/backchannel/internal/api"
	"github.com/MarcoPoloResearchLab/backchannel/internal/bus"
	"github.com/MarcoPoloResearchLab/backchannel/internal/config"
	"github.com/MarcoPoloResearchLab/backchannel/internal/identity"
	"github.com/MarcoPoloResearchLab/backchannel/internal/logging"
	"github.com/MarcoPoloResearchLab/backchannel/internal/store"
)

// runtime bundles the components every subcommand needs: configuration,
// logging, the durable store, the backend client and this client's
// identity.
type runtime struct {
	cfg        config.AppConfig
	logger     *zap.Logger
	store      *store.Store
	dispatcher *bus.Dispatcher
	client     *api.Client
	profile    identity.Profile
}

func startRuntime() (*runtime, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, true)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(appConfig.DataDir, logger)
	if err != nil {
		return nil, err
	}

	profile, err := identity.Load(st)
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	if appConfig.DisplayName != "" && appConfig.DisplayName != profile.Name {
		if err := identity.SetName(st, appConfig.DisplayName); err != nil {
			st.Close() //nolint:errcheck
			return nil, err
		}
		profile.Name = appConfig.DisplayName
	}

	client, err := api.NewClient(api.ClientConfig{BaseURL: appConfig.ServerURL})
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	return &runtime{
		cfg:        appConfig,
		logger:     logger,
		store:      st,
		dispatcher: bus.NewDispatcher(),
		client:     client,
		profile:    profile,
	}, nil
}

func (r *runtime) close() {
	r.store.Close() //nolint:errcheck
	r.logger.Sync() //nolint:errcheck
}
