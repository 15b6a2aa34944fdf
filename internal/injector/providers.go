package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/zeusync/gridsync/internal/config"
	"github.com/zeusync/gridsync/internal/core/observability/log"
	"github.com/zeusync/gridsync/internal/node"
)

// ConfigPath is the node config file location.
type ConfigPath string

var ProviderSet = wire.NewSet(ProvideConfig, ProvideLogger, ProvideNode)

func ProvideConfig(path ConfigPath) (config.Config, error) {
	return config.Load(string(path))
}

func ProvideLogger(cfg config.Config) log.Log {
	return log.New(cfg.LogLevel())
}

// ProvideNode builds the node; the cleanup closes it.
func ProvideNode(ctx context.Context, cfg config.Config, logger log.Log) (*node.Node, func(), error) {
	n, err := node.New(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	return n, func() {
		if err := n.Close(); err != nil {
			logger.Error("Failed to close node", log.Error(err))
		}
	}, nil
}
