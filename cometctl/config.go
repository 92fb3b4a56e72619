package main

import (
	"fmt"
	"net/http"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cometkit/comet"
)

// ContextConfig is one transport context in the config file.
type ContextConfig struct {
	BaseUrl      string `yaml:"baseUrl"`
	Debug        bool   `yaml:"debug"`
	ContentType  string `yaml:"contentType"`
	RealtimeUrl  string `yaml:"realtimeUrl"`
	Jwt          string `yaml:"jwt"`
	ApiKeyHeader string `yaml:"apiKeyHeader"`
	// PromptApiKey reads the api key from the terminal without echo and
	// injects it into the ApiKeyHeader on every request.
	PromptApiKey bool `yaml:"promptApiKey"`
}

type FileConfig struct {
	Contexts map[string]*ContextConfig `yaml:"contexts"`
}

func loadConfig(path string) (*FileConfig, error) {
	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	config := &FileConfig{}
	if err := yaml.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if len(config.Contexts) == 0 {
		return nil, fmt.Errorf("config has no contexts")
	}
	return config, nil
}

func (self *ContextConfig) transportConfig(contextName string, apiKey string) *comet.TransportConfig {
	config := &comet.TransportConfig{
		BaseUrl:     self.BaseUrl,
		Context:     contextName,
		Debug:       self.Debug,
		ContentType: self.ContentType,
	}
	if self.Jwt != "" {
		config.Auth = &comet.ClientAuth{
			ByJwt: self.Jwt,
		}
	}
	if self.RealtimeUrl != "" {
		config.Realtime = comet.DefaultRealtimeSettings(self.RealtimeUrl)
	}
	if self.ApiKeyHeader != "" && apiKey != "" {
		apiKeyHeader := self.ApiKeyHeader
		config.BeforeSend = func(header http.Header) {
			header.Set(apiKeyHeader, apiKey)
		}
	}
	return config
}
