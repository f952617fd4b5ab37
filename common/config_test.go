// Copyright 2021-2022 The cfgpoll Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"bytes"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestConfigLoading(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 1: load the configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(time.Second*10, cfg.LongPolling.MinTimeout())
		assert.Equal(time.Millisecond*500, cfg.LongPolling.FixedDelay())
		assert.Equal(time.Millisecond*100, cfg.LongPolling.SamplePeriod())
		assert.Equal(3, cfg.LongPolling.SampleTimes)
		assert.Equal("local", cfg.EventBus.Mode)
		assert.Equal("allow", cfg.Admission.Mode)
	}

	// Case 2: invalid event bus mode
	{
		config := []byte(`---
event_bus:
  mode: kafka`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid timing
	{
		config := []byte(`---
long_polling:
  fixed_delay_ms: -10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: invalid server setting
	{
		config := []byte(`---
api_server:
  http:
    server_config:
      listen_on: 1243`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: overrides
	{
		config := []byte(`---
long_polling:
  min_timeout_ms: 5000
admission:
  mode: limit
  max_sessions: 1000
event_bus:
  mode: nats`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Equal(time.Second*5, cfg.LongPolling.MinTimeout())
		assert.Equal(1000, cfg.Admission.MaxSessions)
		assert.Equal("nats", cfg.EventBus.Mode)
		assert.Equal(8848, int(cfg.APIServer.HTTPSetting.Server.Port))
		assert.Nil(cfg.CheckConsistency())
		// 120 s write timeout less the margin
		assert.Equal(time.Second*119, cfg.APIServer.HTTPSetting.Server.MaxHold())
	}

	// Case 6: write timeout shorter than the minimum hold
	{
		config := []byte(`---
long_polling:
  min_timeout_ms: 30000
api_server:
  http:
    server_config:
      write_timeout_sec: 20`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.CheckConsistency())
	}

	// Case 7: no write timeout means no cap on holds
	{
		config := []byte(`---
api_server:
  http:
    server_config:
      write_timeout_sec: 0`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(cfg.CheckConsistency())
		assert.Equal(time.Duration(0), cfg.APIServer.HTTPSetting.Server.MaxHold())
	}
}
