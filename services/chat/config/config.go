// Copyright (C) 2026 MinervAI (oss@minervai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the chat service configuration from the
// environment. Every setting has a default except the DeepSeek API key,
// which intentionally has none: the service starts without it, and the
// missing key surfaces as an auth error on the first chat turn instead of
// a boot failure.
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// Config holds the runtime configuration for the chat service.
type Config struct {
	DeepSeekAPIKey        string `mapstructure:"deepseek_api_key"`
	DeepSeekBaseURL       string `mapstructure:"deepseek_base_url"`
	DeepSeekChatModel     string `mapstructure:"deepseek_chat_model"`
	DeepSeekReasonerModel string `mapstructure:"deepseek_reasoner_model"`
	DatabasePath          string `mapstructure:"chat_database_path"`
	Port                  string `mapstructure:"chat_port"`
	OTLPEndpoint          string `mapstructure:"otel_exporter_otlp_endpoint"`
}

// Load reads the configuration from environment variables, applying
// defaults for everything except the API key.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("deepseek_api_key", "")
	v.SetDefault("deepseek_base_url", "https://api.deepseek.com")
	v.SetDefault("deepseek_chat_model", "deepseek-chat")
	v.SetDefault("deepseek_reasoner_model", "deepseek-reasoner")
	v.SetDefault("chat_database_path", "minichat.db")
	v.SetDefault("chat_port", "8000")
	v.SetDefault("otel_exporter_otlp_endpoint", "")

	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}
