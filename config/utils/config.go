// Package config provides utilities to load environment variables & set config structs, it includes app, redis cache, db, rabbitmq, http server and delegate protocol environment variables.
package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// AppConfig contains environment variables for the application, database, cache, broker, http server and the delegate protocol
type (
	AppConfig struct {
		App      *App      `mapstructure:"app"`
		Redis    *Redis    `mapstructure:"redis"`
		Logger   *Logger   `mapstructure:"logger"`
		DB       *DB       `mapstructure:"db"`
		RabbitMQ *RabbitMQ `mapstructure:"rabbitmq"`
		Server   *Server   `mapstructure:"server"`
		Protocol *Protocol `mapstructure:"protocol"`
	}

	// App contains all the environment variables for the application
	App struct {
		Name  string `mapstructure:"name"`
		Env   string `mapstructure:"env"`
		Owner string `mapstructure:"owner"`
	}

	// Redis contains all the environment variables for the cache service
	Redis struct {
		Host     string `mapstructure:"host"`
		Port     string `mapstructure:"port"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	}

	// DB contains all the environment variables for the database
	DB struct {
		Connection string `mapstructure:"connection"`
		Database   string `mapstructure:"database"`
		Host       string `mapstructure:"host"`
		Port       string `mapstructure:"port"`
		User       string `mapstructure:"user"`
		Password   string `mapstructure:"password"`
		Name       string `mapstructure:"name"`
	}

	// RabbitMQ contains all the environment variables for the task intake broker
	RabbitMQ struct {
		URL         string `mapstructure:"url"`
		Exchange    string `mapstructure:"exchange"`
		IntakeQueue string `mapstructure:"intakeQueue"`
	}

	// Server contains all the environment variables for the worker-facing http server
	Server struct {
		Addr         string        `mapstructure:"addr"`
		ReadTimeout  time.Duration `mapstructure:"readTimeout"`
		WriteTimeout time.Duration `mapstructure:"writeTimeout"`
		AuthSecret   string        `mapstructure:"authSecret"`
		RateLimit    int           `mapstructure:"rateLimit"`
		RateWindow   time.Duration `mapstructure:"rateWindow"`
	}

	// Protocol contains the tunables of the pull-based delegate protocol
	Protocol struct {
		LivenessThreshold  time.Duration `mapstructure:"livenessThreshold"`
		PollInterval       time.Duration `mapstructure:"pollInterval"`
		PollBatchLimit     int           `mapstructure:"pollBatchLimit"`
		SweepInterval      time.Duration `mapstructure:"sweepInterval"`
		RedispatchInterval time.Duration `mapstructure:"redispatchInterval"`
		ExpiryBuffer       time.Duration `mapstructure:"expiryBuffer"`
		ValidationTTL      time.Duration `mapstructure:"validationTTL"`
		AcceptableVersions []string      `mapstructure:"acceptableVersions"`
		AllowedCIDRs       []string      `mapstructure:"allowedCIDRs"`
		TerminatedAccounts []string      `mapstructure:"terminatedAccounts"`
		UpgradeBundleURL   string        `mapstructure:"upgradeBundleURL"`
		DelegateScriptURL  string        `mapstructure:"delegateScriptURL"`
	}

	// Logger contains all the environment variables for the logger
	Logger struct {
		Level             string                `mapstructure:"level"`
		Development       bool                  `mapstructure:"development"`
		DisableStacktrace bool                  `mapstructure:"disableStacktrace"`
		Encoding          string                `mapstructure:"encoding"`
		EncoderConfig     zapcore.EncoderConfig `mapstructure:"encoderConfig"`
	}
)

// addZapEncoderConfig fills encoder config with zapcore types
func addZapEncoderConfig(cfg *zapcore.EncoderConfig) {
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.SecondsDurationEncoder
	cfg.EncodeCaller = zapcore.ShortCallerEncoder
	cfg.EncodeName = func(s string, pae zapcore.PrimitiveArrayEncoder) {
		pae.AppendString("[" + s + "]")
	}
}

// addProtocolDefaults fills protocol knobs that the config file may omit
func addProtocolDefaults(cfg *Protocol) {
	if cfg.LivenessThreshold == 0 {
		cfg.LivenessThreshold = 3 * time.Minute
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.PollBatchLimit == 0 {
		cfg.PollBatchLimit = 25
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	if cfg.RedispatchInterval == 0 {
		cfg.RedispatchInterval = 15 * time.Second
	}
	if cfg.ExpiryBuffer == 0 {
		cfg.ExpiryBuffer = 30 * time.Second
	}
	if cfg.ValidationTTL == 0 {
		cfg.ValidationTTL = 10 * time.Minute
	}
}

// New creates a new AppConfig instance
func New() *AppConfig {
	// Set up viper to read the config.yaml file
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/secrets/")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("env")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read the config file
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Fatalf("config file not found: %v", err)
		} else {
			log.Fatalf("error reading config file: %v", err)
		}
	}

	// Bind the app.name key to the APP_NAME environment variable
	if err := viper.BindEnv("app.name", "APP_NAME"); err != nil {
		log.Fatalf("error finding APP_NAME env variable")
	}

	// Bind DB variables
	viper.BindEnv("db.host", "PG_HOST")
	viper.BindEnv("db.port", "PG_PORT")
	viper.BindEnv("db.user", "PG_USER")
	viper.BindEnv("db.password", "PG_PASS")
	viper.BindEnv("db.name", "PG_DB")

	// Bind Redis variables
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")

	// Bind RabbitMQ & server variables
	viper.BindEnv("rabbitmq.url", "AMQP_URL")
	viper.BindEnv("server.addr", "SERVER_ADDR")
	viper.BindEnv("server.authSecret", "AUTH_SECRET")

	// Create an instance of AppConfig
	var config *AppConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("unable to decode into struct: %v", err)
	}
	addZapEncoderConfig(&config.Logger.EncoderConfig)
	addProtocolDefaults(config.Protocol)

	return config
}
