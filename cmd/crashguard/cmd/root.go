package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/crashguard/internal/config"
	"github.com/psantana5/crashguard/internal/logging"
)

var (
	cfgFile string

	// v carries defaults, the config file, CRASHGUARD_* overrides and bound flags
	v = config.New()

	// cfg is loaded before any subcommand runs
	cfg config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "crashguard",
	Short: "Self-supervising crash handler",
	Long: `crashguard runs a program as a supervisor/guarded pair. When the guarded
instance panics, the supervisor snapshots it while it is parked mid-fault,
reports the crash and optionally starts it again.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.crashguard/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: trace, debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", "", "log format: console or json")

	bindFlag(v, "log.level", rootCmd, "log-level")
	bindFlag(v, "log.format", rootCmd, "log-format")
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	flag := cmd.PersistentFlags().Lookup(name)
	if flag == nil {
		flag = cmd.Flags().Lookup(name)
	}
	_ = v.BindPFlag(key, flag)
}

// initConfig reads in config file and ENV variables if set
func initConfig(*cobra.Command, []string) error {
	c, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = c
	logging.Init(cfg.Logging())
	return nil
}
