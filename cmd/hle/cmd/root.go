/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	clihander "github.com/apex/log/handlers/cli"
	"github.com/blacktop/hle/internal/colors"
	"github.com/blacktop/hle/internal/config"
	"github.com/blacktop/hle/pkg/hle"
	"github.com/blacktop/hle/pkg/hle/frameworks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool
	// AppVersion stores the plugin's version
	AppVersion string
	// AppBuildTime stores the plugin's build time
	AppBuildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "hle",
	Short: "Run 32-bit ARM iOS apps on host implemented frameworks",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		if cmd.Flags().Changed("color") {
			color := viper.GetBool("color")
			colors.Init(&color)
		}
	},
	Version: AppVersion,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if AppVersion != "" {
		rootCmd.Version = fmt.Sprintf("%s (built %s)", AppVersion, AppBuildTime)
	}
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihander.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/hle/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	rootCmd.PersistentFlags().String("engine", "", "CPU engine (interp, unicorn)")
	rootCmd.PersistentFlags().String("unimplemented", "", "What to do when the guest calls an unimplemented API (abort, noop)")
	rootCmd.PersistentFlags().String("memory-fault", "", "What a memory fault kills (process, context)")
	rootCmd.PersistentFlags().String("dispatch-fault", "", "What to do when an object does not respond to a selector (nil, abort)")
	rootCmd.PersistentFlags().StringSlice("frameworks", nil, fmt.Sprintf("Host frameworks to install (default all of %s)", strings.Join(frameworks.Names(), ", ")))
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindPFlag("engine", rootCmd.PersistentFlags().Lookup("engine"))
	viper.BindPFlag("unimplemented", rootCmd.PersistentFlags().Lookup("unimplemented"))
	viper.BindPFlag("memory_fault", rootCmd.PersistentFlags().Lookup("memory-fault"))
	viper.BindPFlag("dispatch_fault", rootCmd.PersistentFlags().Lookup("dispatch-fault"))
	viper.BindPFlag("frameworks", rootCmd.PersistentFlags().Lookup("frameworks"))
	viper.BindEnv("color", "CLICOLOR")
	// Settings
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(filepath.Join(home, ".config", "hle"))
		viper.SetConfigType("yaml")
		viper.SetConfigName("config")
	}

	viper.SetEnvPrefix("hle")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		log.Debugf("Using config file: %s", viper.ConfigFileUsed())
	}
}

// newEnv builds an Env from the configuration, flags and environment.
func newEnv(opts ...hle.Option) (*hle.Env, *config.Config, error) {
	conf, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	fws, err := frameworks.Select(conf.Frameworks...)
	if err != nil {
		return nil, nil, err
	}
	env, err := hle.New(conf.HLE(), append([]hle.Option{hle.WithFrameworks(fws...)}, opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create environment: %v", err)
	}
	return env, conf, nil
}
