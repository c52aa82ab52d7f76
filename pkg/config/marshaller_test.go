package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var testProfileConfig = Profile{
	Version: "v1",
	Profile: "orders_primary",
	Endpoint: Endpoint{
		Host:     "127.0.0.1",
		Port:     3306,
		Username: "user0",
		Password: "pwd0",
		Database: "orders",
	},
	Options: ProfileOptions{
		ConnectTimeoutMs:    1000,
		ConnectAttempts:     3,
		TotalTimeoutMs:      5000,
		ConnectTcpTimeoutMs: 200,
		QueryTimeoutMs:      10000,
		Compression:         "zstd",
		Attributes:          map[string]string{"program_name": "asyncmysql"},
		Dscp:                34,
		KillOnQueryTimeout:  true,
	},
	Security: ProfileSecurity{
		SniServerName: "orders.internal",
	},
}

var testClientConfig = Client{
	Version: "v1",
	Log: Log{
		Level:  "info",
		Format: "console",
		LogFile: LogFile{
			Filename:   ".",
			MaxSize:    10,
			MaxDays:    1,
			MaxBackups: 1,
		},
	},
	StatusServer: StatusServer{
		Enable:          true,
		Addr:            "0.0.0.0:4001",
		EnableBasicAuth: false,
		User:            "user",
		Password:        "pwd",
	},
	ProfileCenter: ProfileCenter{
		Type: "file",
		ProfileDir: ProfileDir{
			Path: ".",
		},
	},
	Defaults: Defaults{
		ConnectTimeoutMs: 1000,
		ConnectAttempts:  1,
		TotalTimeoutMs:   5000,
		QueryTimeoutMs:   10000,
	},
}

func TestProfileConfigEncodeAndDecode(t *testing.T) {
	data, err := MarshalProfileConfig(&testProfileConfig)
	assert.NoError(t, err)
	cfg, err := UnmarshalProfileConfig(data)
	assert.NoError(t, err)
	assert.Equal(t, testProfileConfig, *cfg)
}

func TestClientConfigEncodeAndDecode(t *testing.T) {
	data, err := MarshalClientConfig(&testClientConfig)
	assert.NoError(t, err)
	cfg, err := UnmarshalClientConfig(data)
	assert.NoError(t, err)
	assert.Equal(t, testClientConfig, *cfg)
}
