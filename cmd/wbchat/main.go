package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Ladvien/research-workbench-sub000/cmd/wbchat/cmds"
	"github.com/Ladvien/research-workbench-sub000/pkg/cache"
	"github.com/Ladvien/research-workbench-sub000/pkg/settings"
)

var rootCmd = &cobra.Command{
	Use:   "wbchat",
	Short: "wbchat is a terminal client for the research workbench chat backend",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		initLogger()
	},
	SilenceUsage: true,
}

func initLogger() {
	level := viper.GetString("log-level")
	if viper.GetBool("verbose") && level != "trace" {
		level = "debug"
	}

	err := InitLogger(&logConfig{
		Level:      level,
		LogFile:    viper.GetString("log-file"),
		LogFormat:  viper.GetString("log-format"),
		WithCaller: viper.GetBool("with-caller"),
	})
	cobra.CheckErr(err)
}

type logConfig struct {
	WithCaller bool
	Level      string
	LogFormat  string
	LogFile    string
}

// initConfig reads, in increasing priority, the config file, a .env file,
// WBCHAT_* environment variables and the persistent flags.
func initConfig(rootCmd *cobra.Command, configPath string) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "could not load .env")
	}

	switch {
	case configPath != "":
		viper.SetConfigFile(configPath)
	default:
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.wbchat")
		if dir, err := os.UserConfigDir(); err == nil {
			viper.AddConfigPath(filepath.Join(dir, "wbchat"))
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return errors.Wrap(err, "could not read config")
		}
	}

	viper.SetEnvPrefix("wbchat")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		return err
	}

	// flags are parsed later, this only applies the config file and the environment
	initLogger()
	log.Debug().Str("config", viper.ConfigFileUsed()).Msg("Loaded configuration")

	return nil
}

// InitLogger points the global zerolog logger at stderr, and additionally at
// a rotated log file when LogFile is set.
func InitLogger(config *logConfig) error {
	level := zerolog.InfoLevel
	if config.Level != "" {
		var err error
		if level, err = zerolog.ParseLevel(config.Level); err != nil {
			return errors.Wrapf(err, "invalid log level %q", config.Level)
		}
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = os.Stderr
	if config.LogFormat == "text" {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	if config.LogFile != "" {
		w = io.MultiWriter(w, zerolog.ConsoleWriter{
			NoColor: true,
			Out: &lumberjack.Logger{
				Filename:   config.LogFile,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     28, // days
			},
		})
	}

	ctx := zerolog.New(w).With().Timestamp()
	if config.WithCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// logging flags
	rootCmd.PersistentFlags().Bool("with-caller", false, "Log caller")
	rootCmd.PersistentFlags().String("log-level", "error", "Log level (trace, debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format (json, text)")
	rootCmd.PersistentFlags().String("log-file", "", "Log file (default: stderr)")

	rootCmd.PersistentFlags().String("config", "", "Path to config file (default ~/.wbchat/config.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "Verbose output")
	rootCmd.PersistentFlags().Bool("print-raw-events", false, "Print every store event as JSON to stderr")

	// backend flags
	rootCmd.PersistentFlags().String("base-url", settings.DefaultBaseURL, "Base URL of the chat API")
	rootCmd.PersistentFlags().Bool("allow-http", true, "Allow plain http base URLs")
	rootCmd.PersistentFlags().Bool("allow-local-networks", true, "Allow base URLs on loopback and private networks")
	rootCmd.PersistentFlags().Int("timeout", int(settings.DefaultTimeout.Seconds()), "Timeout of plain requests in seconds")
	rootCmd.PersistentFlags().String("default-model", settings.DefaultModel, "Model of new conversations")
	rootCmd.PersistentFlags().String("default-provider", settings.DefaultProvider, "Provider of new conversations")
	rootCmd.PersistentFlags().String("session-cookie", "", "Session cookie as name=value")
	rootCmd.PersistentFlags().String("cache", cache.DefaultPath(), "Path of the offline conversation cache (empty to disable)")

	// parse the flags one time just to catch --config
	configFile := ""
	for idx, arg := range os.Args {
		if arg == "--config" {
			if len(os.Args) > idx+1 {
				configFile = os.Args[idx+1]
			}
		}
	}

	err := initConfig(rootCmd, configFile)
	if err != nil {
		panic(err)
	}

	rootCmd.AddCommand(
		cmds.NewListCommand(),
		cmds.NewShowCommand(),
		cmds.NewNewCommand(),
		cmds.NewRenameCommand(),
		cmds.NewDeleteCommand(),
		cmds.NewExportCommand(),
		cmds.NewSendCommand(),
		cmds.NewEditCommand(),
		cmds.NewSwitchCommand(),
		cmds.NewBranchesCommand(),
		cmds.NewDeleteMessageCommand(),
		cmds.NewChatCommand(),
		cmds.NewSearchCommand(),
		cmds.NewUsageCommand(),
	)
}
