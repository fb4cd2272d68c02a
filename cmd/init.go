package cmd

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"flowbroker/config"
)

// InitCmd writes a starter config.yml next to the binary.
var InitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration file",
	Run: func(cmd *cobra.Command, args []string) {
		configPath := config.ConfigFilePath()
		fs := afero.NewOsFs()

		exists, err := afero.Exists(fs, configPath)
		if err != nil {
			fmt.Println("failed to check config file:", err)
			return
		}
		if exists {
			fmt.Println("config file already exists at", configPath)
			return
		}

		starter := config.Configurations{
			Protocol:       "http",
			Host:           "127.0.0.1",
			Port:           "9090",
			NodeId:         1,
			Bootstrap:      true,
			SingleNodeMode: true,
			RaftAddress:    "127.0.0.1:7070",
		}
		data, err := yaml.Marshal(&starter)
		if err != nil {
			fmt.Println("failed to render config:", err)
			return
		}
		if err := afero.WriteFile(fs, configPath, data, 0644); err != nil {
			fmt.Println("failed to write config file:", err)
			return
		}
		fmt.Println("wrote starter config to", configPath)
	},
}
