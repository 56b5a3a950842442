// Copyright © 2019 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"fmt"
	"os"
	"path"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgDir string

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "rangerd",
	Short: "UWB ranging coordinator",
	Long: `Rangerd coordinates three UWB ranging devices.

Devices connect over TCP, and take turns acting as the tag
while the other two act as anchors. Once every pairwise distance
is known, the distances are handed to a visualizer.

Rangerd can also solve and track a tag's position from its
ranges to two fixed anchors.`,
	SilenceErrors:     true,
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/rangerd)")
	RootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		// Find home directory.
		home, err := homedir.Dir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search for config in $HOME/.config/rangerd
		cfgDir = path.Join(home, ".config", "rangerd")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("rangerd")
	viper.SetEnvPrefix("rangerd")
	viper.AutomaticEnv()

	os.Setenv("CONFDIR", cfgDir)

	// Every setting has a default, so running without a config file is fine.
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error loading config file: %s\n", err)
			os.Exit(1)
		}
	}
}

// newLogger creates the logger used by every command.
func newLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = os.Stderr
	log.Formatter = new(logrus.TextFormatter)
	log.Level = logrus.InfoLevel
	if level, err := logrus.ParseLevel(viper.GetString("log.level")); err == nil {
		log.Level = level
	} else {
		log.WithField("level", viper.GetString("log.level")).Warn("Unknown log level; using info")
	}
	return log
}
