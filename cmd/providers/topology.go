package providers

import (
	"fmt"

	"github.com/spf13/viper"
	"go.od2.network/nqueue/pkg/topology"
	"go.uber.org/zap"
)

// Topology config keys.
const (
	ConfTopologyConfigFile = "topology.config_file"
)

func init() {
	viper.SetDefault(ConfTopologyConfigFile, "")
}

func NewTopologyConfig(log *zap.Logger) (*topology.Config, error) {
	configFilePath := viper.GetString(ConfTopologyConfigFile)
	if configFilePath == "" {
		return nil, fmt.Errorf("missing %s", ConfTopologyConfigFile)
	}
	log.Info("Reading topology config",
		zap.String(ConfTopologyConfigFile, configFilePath))
	config, err := topology.LoadFile(configFilePath)
	if err != nil {
		return nil, err
	}
	for _, q := range config.Queues {
		log.Info("Found queue",
			zap.String("queue.name", q.Name),
			zap.String("queue.class", q.Class))
	}
	return config, nil
}
