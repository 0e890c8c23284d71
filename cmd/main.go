/*
Copyright 2024 Ammofeeds Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ammofeeds/ingestor"
	"github.com/ammofeeds/ingestor/config"
	"github.com/ammofeeds/ingestor/database"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// Ingestor represents the CLI application, encapsulating the root Cobra command.
type Ingestor struct {
	cmd *cobra.Command
}

// ingestorInstance holds the pipeline and its configuration for the lifetime of a command.
type ingestorInstance struct {
	ingestor *ingestor.Ingestor
	cnf      *config.Configuration
}

func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the pipeline before any command runs.
func preRun(app *ingestorInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := config.InitConfig(*configFile); err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		ing, err := setupIngestor(cnf)
		if err != nil {
			log.Fatal(err)
		}

		app.ingestor = ing
		app.cnf = cnf
		return nil
	}
}

func setupIngestor(cfg *config.Configuration) (*ingestor.Ingestor, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	ing, err := ingestor.NewIngestor(db)
	if err != nil {
		return nil, fmt.Errorf("error creating ingestor: %v", err)
	}
	return ing, nil
}

// NewCLI creates the command-line interface with the server, workers, scheduler, run-feed,
// migrate and config subcommands.
func NewCLI() *Ingestor {
	var configFile string
	app := &ingestorInstance{}

	var rootCmd = &cobra.Command{
		Use:   "ingestor",
		Short: "Affiliate feed ingestion pipeline",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./ingestor.json", "Configuration file for the ingestor")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(schedulerCommands(app))
	rootCmd.AddCommand(runFeedCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(configCommands())

	return &Ingestor{cmd: rootCmd}
}

func (w Ingestor) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
