package config

import (
	"fmt"
	"os"
	"path"
	"strconv"
	"sync"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"

	"flowbroker/constants"
)

type Peer struct {
	NodeId      uint64 `json:"node_id" yaml:"NodeId"`
	Address     string `json:"address" yaml:"Address"`
	RaftAddress string `json:"raft_address" yaml:"RaftAddress"`
}

// Configurations broker-wide settings loaded once from config.yml next to
// the binary, with env overrides for the fields that vary per deployment.
type Configurations struct {
	Protocol             string `json:"protocol" yaml:"Protocol"`
	Host                 string `json:"host" yaml:"Host"`
	Port                 string `json:"port" yaml:"Port"`
	NodeId               uint64 `json:"nodeId" yaml:"NodeId"`
	Bootstrap            bool   `json:"bootstrap" yaml:"Bootstrap"`
	SingleNodeMode       bool   `json:"singleNodeMode" yaml:"SingleNodeMode"`
	RaftAddress          string `json:"raftAddress" yaml:"RaftAddress"`
	Replicas             []Peer `json:"replicas" yaml:"Replicas"`
	HeartbeatTimeoutSecs int64  `json:"heartbeatTimeoutSecs" yaml:"HeartbeatTimeoutSecs"`
	JobReportTimeoutSecs int64  `json:"jobReportTimeoutSecs" yaml:"JobReportTimeoutSecs"`
	ScheduleGraceSecs    int64  `json:"scheduleGraceSecs" yaml:"ScheduleGraceSecs"`
	MetaTaskIntervalSecs int64  `json:"metaTaskIntervalSecs" yaml:"MetaTaskIntervalSecs"`
	PlanLoadEpsilonSecs  int64  `json:"planLoadEpsilonSecs" yaml:"PlanLoadEpsilonSecs"`
	DispatchWorkers      int64  `json:"dispatchWorkers" yaml:"DispatchWorkers"`
	DispatchQueueSize    int64  `json:"dispatchQueueSize" yaml:"DispatchQueueSize"`
	DispatchTimeoutSecs  int64  `json:"dispatchTimeoutSecs" yaml:"DispatchTimeoutSecs"`
}

// Address the HTTP address peers and workers reach this broker on; also the
// ownership key stamped on plans and job instances.
func (c *Configurations) Address() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

type FlowbrokerConfig interface {
	GetConfigurations() *Configurations
}

type flowbrokerConfig struct{}

var cachedConfig *Configurations
var once sync.Once

func NewFlowbrokerConfig() FlowbrokerConfig {
	return &flowbrokerConfig{}
}

func (_ *flowbrokerConfig) GetConfigurations() *Configurations {
	once.Do(func() {
		config := Configurations{
			Protocol:             "http",
			Host:                 "127.0.0.1",
			Port:                 "9090",
			HeartbeatTimeoutSecs: constants.DefaultHeartbeatTimeoutSecs,
			JobReportTimeoutSecs: constants.DefaultJobReportTimeoutSecs,
			ScheduleGraceSecs:    constants.DefaultScheduleGraceSecs,
			MetaTaskIntervalSecs: constants.DefaultMetaTaskIntervalSecs,
			PlanLoadEpsilonSecs:  constants.DefaultPlanLoadEpsilonSecs,
			DispatchWorkers:      constants.DefaultDispatchWorkers,
			DispatchQueueSize:    constants.DefaultDispatchQueueSize,
			DispatchTimeoutSecs:  30,
		}

		fs := afero.NewOsFs()
		data, err := afero.ReadFile(fs, ConfigFilePath())
		if err == nil {
			if unmarshalErr := yaml.Unmarshal(data, &config); unmarshalErr != nil {
				panic(fmt.Errorf("failed to parse config file: %s", unmarshalErr))
			}
		}

		applyEnvOverrides(&config)

		cachedConfig = &config
	})

	return cachedConfig
}

func applyEnvOverrides(config *Configurations) {
	if port := os.Getenv("FLOWBROKER_PORT"); port != "" {
		config.Port = port
	}
	if host := os.Getenv("FLOWBROKER_HOST"); host != "" {
		config.Host = host
	}
	if raftAddress := os.Getenv("FLOWBROKER_RAFT_ADDRESS"); raftAddress != "" {
		config.RaftAddress = raftAddress
	}
	if nodeId := os.Getenv("FLOWBROKER_NODE_ID"); nodeId != "" {
		parsed, err := strconv.ParseUint(nodeId, 10, 64)
		if err == nil {
			config.NodeId = parsed
		}
	}
	if bootstrap := os.Getenv("FLOWBROKER_BOOTSTRAP"); bootstrap != "" {
		config.Bootstrap = bootstrap == "true"
	}
	if singleNode := os.Getenv("FLOWBROKER_SINGLE_NODE_MODE"); singleNode != "" {
		config.SingleNodeMode = singleNode == "true"
	}
}

// ConfigFilePath the config file sits next to the binary, or wherever
// FLOWBROKER_CONFIG_FILE points during tests.
func ConfigFilePath() string {
	if override := os.Getenv("FLOWBROKER_CONFIG_FILE"); override != "" {
		return override
	}
	return path.Join(BinPath(), constants.ConfigFileName)
}

func BinPath() string {
	e, err := os.Executable()
	if err != nil {
		panic(err)
	}
	return path.Dir(e)
}
