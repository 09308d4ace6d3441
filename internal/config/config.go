package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env    string       `yaml:"env" env:"ENV" env-default:"local"`
	HTTP   HTTPConfig   `yaml:"http"`
	Collab CollabConfig `yaml:"collab"`
}

type HTTPConfig struct {
	Address        string   `yaml:"address" env:"HTTP_ADDRESS" env-default:""`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type CollabConfig struct {
	ReapInterval     time.Duration `yaml:"reap_interval" env-default:"5m"`
	SessionTimeout   time.Duration `yaml:"session_timeout" env-default:"30m"`
	PresenceTimeout  time.Duration `yaml:"presence_timeout" env-default:"30m"`
	ChatHistory      int           `yaml:"chat_history" env-default:"50"`
	MaxMessageLength int           `yaml:"max_message_length" env-default:"4000"`
}

func MustLoad() *Config {
	configPath := fetchConfigPath()
	if configPath == "" {
		panic("config path is empty")
	}

	return MustLoadPath(configPath)
}

func MustLoadPath(configPath string) *Config {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		panic("config file does not exist: " + configPath)
	}

	var cfg Config

	if err := cleanenv.ReadConfig(configPath, &cfg); err != nil {
		panic("cannot read config: " + err.Error())
	}

	cfg.setDefaults()

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	if res == "" {
		res = "config/local.yaml"
	}

	return res
}

func (c *Config) setDefaults() {
	if c.HTTP.Address == "" {
		c.HTTP.Address = ":8080"
	}
	if c.Collab.ReapInterval <= 0 {
		c.Collab.ReapInterval = 5 * time.Minute
	}
	if c.Collab.SessionTimeout <= 0 {
		c.Collab.SessionTimeout = 30 * time.Minute
	}
	if c.Collab.PresenceTimeout <= 0 {
		c.Collab.PresenceTimeout = 30 * time.Minute
	}
}
