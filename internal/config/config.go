package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type ICEServer struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type ICE struct {
	Servers           []ICEServer `mapstructure:"servers"`
	CandidatePoolSize int         `mapstructure:"candidate_pool_size"`
}

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	SendBuffer int           `mapstructure:"send_buffer"`
	ICE        ICE           `mapstructure:"ice"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8000)
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("ice.candidate_pool_size", 10)

	// TURN credentials come from the environment, never from the file.
	v.SetEnvPrefix("MESHCALL")
	_ = v.BindEnv("ice.turn_url", "MESHCALL_TURN_URL")
	_ = v.BindEnv("ice.turn_username", "MESHCALL_TURN_USERNAME")
	_ = v.BindEnv("ice.turn_credential", "MESHCALL_TURN_CREDENTIAL")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if turn := v.GetString("ice.turn_url"); turn != "" {
		cfg.ICE.Servers = append(cfg.ICE.Servers, ICEServer{
			URLs:       []string{turn},
			Username:   v.GetString("ice.turn_username"),
			Credential: v.GetString("ice.turn_credential"),
		})
	}
	return &cfg, nil
}
