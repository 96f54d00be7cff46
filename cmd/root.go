package cmd

import (
	"errors"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/autofill/internal/gateway"
	"github.com/spigell/autofill/internal/logger"
)

const (
	app       = "autofill"
	envPrefix = "AUTOFILL"
)

type Config struct {
	APIURL       string        `mapstructure:"api-url"`
	DashboardURL string        `mapstructure:"dashboard-url"`
	UserID       string        `mapstructure:"user-id"`
	KeysFile     string        `mapstructure:"keys-file"`
	Server       *ServerConfig `mapstructure:"server"`
	Fill         *FillConfig   `mapstructure:"fill"`
}

type ServerConfig struct {
	Listen         string          `mapstructure:"listen"`
	Database       string          `mapstructure:"database"`
	Secret         string          `mapstructure:"secret"`
	SecretFile     string          `mapstructure:"secret-file"`
	AllowedOrigins []string        `mapstructure:"allowed-origins"`
	Models         []gateway.Model `mapstructure:"models"`
	Pool           *PoolConfig     `mapstructure:"pool"`
	RateLimit      *RateLimit      `mapstructure:"rate-limit"`
}

// PoolConfig lists the server's own keys used for the free tier.
type PoolConfig struct {
	Keys          []string `mapstructure:"keys"`
	GeminiKey     string   `mapstructure:"gemini-key"`
	GeminiKeyFile string   `mapstructure:"gemini-key-file"`
	OpenAIKey     string   `mapstructure:"openai-key"`
	OpenAIKeyFile string   `mapstructure:"openai-key-file"`
}

type RateLimit struct {
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

type FillConfig struct {
	Delay       time.Duration `mapstructure:"delay"`
	HaltOnError bool          `mapstructure:"halt-on-error"`
}

var (
	// Used for flags.
	cfgFile string

	rootCmd = &cobra.Command{
		Use:   app,
		Short: "autofill fills job application forms from your profile and answers open questions with AI",
	}
)

// Execute executes the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "a config file (default is autofill.yaml in current directory)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolP("json", "j", false, "json format for logging")
	rootCmd.PersistentFlags().String("api-url", "http://localhost:8080", "autofill API address")
	rootCmd.PersistentFlags().String("user-id", "", "user to act as")
	rootCmd.PersistentFlags().String("keys-file", "autofill-keys.yaml", "file with your own AI keys")

	for _, name := range []string{"debug", "json", "api-url", "user-id", "keys-file"} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}

	viper.SetDefault("dashboard-url", "http://localhost:8080")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("server.database", "autofill.db")
	viper.SetDefault("server.rate-limit.requests", gateway.DefaultLimit)
	viper.SetDefault("server.rate-limit.window", gateway.DefaultWindow)
	viper.SetDefault("fill.delay", 500*time.Millisecond)
}

func initConfig() {
	// A missing .env is fine; it only helps local runs.
	godotenv.Load()

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	bindings := map[string]string{
		"server.pool.gemini-key": "GEMINI_API_KEY",
		"server.pool.openai-key": "OPENAI_API_KEY",
	}
	for key, env := range bindings {
		if err := viper.BindEnv(key, envPrefix+"_"+env, env); err != nil {
			log.Fatalf("binding %s environment variable: %v", env, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName(app)
		viper.SetConfigType("yaml")
	}

	// Flags and environment are enough to run, so only a broken or an
	// explicitly requested config is fatal.
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			log.Fatal(err)
		}
	}
}

func getConfig() (*Config, error) {
	var config *Config
	err := viper.Unmarshal(&config)
	if err != nil {
		return config, err
	}
	if config.Server == nil {
		config.Server = &ServerConfig{}
	}
	if config.Server.Pool == nil {
		config.Server.Pool = &PoolConfig{}
	}
	if config.Server.RateLimit == nil {
		config.Server.RateLimit = &RateLimit{}
	}
	if config.Fill == nil {
		config.Fill = &FillConfig{}
	}

	return config, nil
}

func newLogger() *zap.Logger {
	logger, err := logger.New(viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	return logger
}

// setup returns the logger and config every command starts with.
func setup() (*zap.Logger, *Config) {
	logger := newLogger()

	config, err := getConfig()
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}
	return logger, config
}
