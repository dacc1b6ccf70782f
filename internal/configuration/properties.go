package configuration

import (
	"net"
	"time"
)

type Properties struct {
	App       AppConfigurationProperties       `yaml:"app"`
	Node      NodeConfigurationProperties      `yaml:"node"`
	Storage   StorageConfigurationProperties   `yaml:"storage"`
	Metrics   MetricsConfigurationProperties   `yaml:"metrics"`
	Transport TransportConfigurationProperties `yaml:"transport"`
}

type AppConfigurationProperties struct {
	Profile  string `yaml:"profile"`
	LogLevel string `yaml:"log-level"`
}

type NodeConfigurationProperties struct {
	ID uint64 `yaml:"id"`
}

type StorageConfigurationProperties struct {
	Dir       string `yaml:"dir"`
	NoSync    bool   `yaml:"no-sync"`
	SnapCount uint64 `yaml:"snap-count"`
}

type MetricsConfigurationProperties struct {
	Address string `yaml:"address"`
}

type TransportConfigurationProperties struct {
	Address        string        `yaml:"address"`
	Port           string        `yaml:"port"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthInterval time.Duration `yaml:"health-interval"`
}

func (c *TransportConfigurationProperties) Addr() string {
	return net.JoinHostPort(c.Address, c.Port)
}

func defaults() Properties {
	return Properties{
		App: AppConfigurationProperties{
			LogLevel: "info",
		},
		Storage: StorageConfigurationProperties{
			Dir:       "data",
			SnapCount: 10000,
		},
		Metrics: MetricsConfigurationProperties{
			Address: ":9090",
		},
		Transport: TransportConfigurationProperties{
			Address:        "0.0.0.0",
			Port:           "7000",
			Timeout:        5 * time.Second,
			HealthInterval: time.Second,
		},
	}
}
