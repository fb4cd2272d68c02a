package cmd

import (
	"context"
	"log"
	"os"
	"path"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"

	"flowbroker/cluster"
	"flowbroker/config"
	"flowbroker/constants"
	"flowbroker/controllers"
	"flowbroker/db"
	"flowbroker/service"
)

// StartCmd starts the broker: database, leadership lease, control loops and
// the HTTP surface.
var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the flowbroker server",
	Run: func(cmd *cobra.Command, args []string) {
		logLevel := os.Getenv("FLOWBROKER_LOG_LEVEL")
		if logLevel == "" {
			logLevel = "INFO"
		}
		logger := hclog.New(&hclog.LoggerOptions{
			Name:  "flowbroker",
			Level: hclog.LevelFromString(logLevel),
		})

		flowbrokerConfig := config.NewFlowbrokerConfig()
		configs := flowbrokerConfig.GetConfigurations()
		ctx := context.Background()

		store := db.NewSqliteDbConnection(logger, path.Join(config.BinPath(), constants.SqliteDbFileName))
		if err := store.RunMigration(); err != nil {
			log.Fatalln("failed to prepare database:", err)
		}

		var lease cluster.Lease
		if configs.SingleNodeMode {
			lease = cluster.NewStaticLease()
		} else {
			raftLease, err := cluster.NewRaftLease(logger, flowbrokerConfig, config.BinPath())
			if err != nil {
				log.Fatalln("failed to start leadership lease:", err)
			}
			lease = raftLease
		}

		flowbrokerService := service.NewService(ctx, logger, flowbrokerConfig, store, lease)
		flowbrokerService.Start()

		router := controllers.NewRouter(logger, flowbrokerConfig, flowbrokerService, lease)
		if err := controllers.StartServer(logger, flowbrokerConfig, router); err != nil {
			log.Fatalln("http server stopped:", err)
		}
	},
}
