package config

import (
	"maps"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// minimalRequiredConfig provides the database and Redis config needed for all tests
func minimalRequiredConfig() map[string]string {
	return map[string]string{
		"HEIMDALL_DB_HOST":        "localhost",
		"HEIMDALL_DB_PORT":        "5432",
		"HEIMDALL_DB_NAME":        "heimdall_test",
		"HEIMDALL_DB_USER":        "test_user",
		"HEIMDALL_DB_PASSWORD":    "test_pass",
		"HEIMDALL_REDIS_HOST":     "localhost",
		"HEIMDALL_REDIS_PORT":     "6379",
		"HEIMDALL_REDIS_PASSWORD": "redis_password_123",
	}
}

// mergeEnvVars merges additional env vars with minimal required config
func mergeEnvVars(additional map[string]string) map[string]string {
	result := minimalRequiredConfig()
	maps.Copy(result, additional)
	return result
}

// validProductionConfig returns a complete valid production configuration
// with database and Redis settings hardened for production tests
func validProductionConfig() map[string]string {
	return map[string]string{
		"HEIMDALL_APP_ENV": "production",

		"HEIMDALL_DB_HOST":     "prod-db.example.com",
		"HEIMDALL_DB_PORT":     "5432",
		"HEIMDALL_DB_NAME":     "heimdall_prod",
		"HEIMDALL_DB_USER":     "prod_user",
		"HEIMDALL_DB_PASSWORD": "SuperSecure123!",
		"HEIMDALL_DB_SSL_MODE": "require",

		"HEIMDALL_REDIS_HOST":        "prod-redis.example.com",
		"HEIMDALL_REDIS_PORT":        "6379",
		"HEIMDALL_REDIS_PASSWORD":    "RedisSecure123!",
		"HEIMDALL_REDIS_TLS_ENABLED": "true",
	}
}

func runLoadCases(t *testing.T, tests []loadCase) {
	t.Helper()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// t.Setenv prevents parallel execution and restores the environment afterwards
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			if tt.want != nil {
				tt.want(t, cfg)
			}
		})
	}
}

type loadCase struct {
	name    string
	envVars map[string]string
	want    func(t *testing.T, cfg *Config)
	wantErr bool
}

func TestLoad(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should use defaults when no env vars are set",
			envVars: minimalRequiredConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "heimdall-streaming", cfg.App.Name)
				assert.Equal(t, "dev", cfg.App.Version)
				assert.Equal(t, "development", cfg.App.Environment)
				assert.Equal(t, "info", cfg.App.LogLevel)
				assert.Equal(t, "text", cfg.App.LogFormat)
				assert.Equal(t, 30*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "5100", cfg.Streaming.Port)
				assert.Equal(t, "/streaming", cfg.Streaming.Path)
				assert.Equal(t, 4, cfg.Streaming.MaxMessageFragments)
				assert.Equal(t, 2048, cfg.Streaming.BufferSize)
				assert.Equal(t, 8192, cfg.Streaming.MaxMessageSize())
				assert.Equal(t, ProviderRedis, cfg.Backplane.Provider)
				assert.True(t, cfg.Dispatcher.Enabled)
				assert.Equal(t, "/health/live", cfg.Observability.LivenessPath)
				assert.Equal(t, "/health/ready", cfg.Observability.ReadinessPath)
			},
		},
		{
			name: "Should load all custom environment variables correctly",
			envVars: mergeEnvVars(map[string]string{
				"HEIMDALL_APP_NAME":                        "test-app",
				"HEIMDALL_APP_VERSION":                     "1.0.0",
				"HEIMDALL_APP_ENV":                         "staging",
				"HEIMDALL_APP_LOG_LEVEL":                   "debug",
				"HEIMDALL_APP_LOG_FORMAT":                  "json",
				"HEIMDALL_APP_SHUTDOWN_TIMEOUT":            "60s",
				"HEIMDALL_STREAMING_PORT":                  "6100",
				"HEIMDALL_STREAMING_ENDPOINT":              "/ws",
				"HEIMDALL_STREAMING_FANOUT_WORKERS":        "8",
				"HEIMDALL_STREAMING_ALLOWED_ORIGINS":       "app.example.com,admin.example.com",
				"HEIMDALL_STREAMING_MAX_MESSAGE_FRAGMENTS": "2",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "test-app", cfg.App.Name)
				assert.Equal(t, "1.0.0", cfg.App.Version)
				assert.Equal(t, "staging", cfg.App.Environment)
				assert.Equal(t, "debug", cfg.App.LogLevel)
				assert.Equal(t, "json", cfg.App.LogFormat)
				assert.Equal(t, 60*time.Second, cfg.App.ShutdownTimeout)
				assert.Equal(t, "6100", cfg.Streaming.Port)
				assert.Equal(t, "/ws", cfg.Streaming.Path)
				assert.Equal(t, 8, cfg.Streaming.FanoutWorkers)
				assert.Equal(t, []string{"app.example.com", "admin.example.com"}, cfg.Streaming.AllowedOrigins)
				assert.Equal(t, 2, cfg.Streaming.MaxMessageFragments)
			},
		},
		{
			name:    "Should fail validation on invalid environment value",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_APP_ENV": "invalid"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log level",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_APP_LOG_LEVEL": "trace"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on invalid log format",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_APP_LOG_FORMAT": "xml"}),
			wantErr: true,
		},
		{
			name:    "Should pass validation with a hardened production config",
			envVars: validProductionConfig(),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, EnvironmentProduction, cfg.App.Environment)
			},
		},
		{
			name: "Should allow missing passwords in non-production environments",
			envVars: mergeEnvVars(map[string]string{
				"HEIMDALL_APP_ENV":        "development",
				"HEIMDALL_DB_PASSWORD":    "",
				"HEIMDALL_REDIS_PASSWORD": "",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "", cfg.Database.Password)
				assert.Equal(t, "", cfg.Redis.Password)
			},
		},
	})
}

func TestStreamingConfig_Validation(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should fail validation when the endpoint is not absolute",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_STREAMING_ENDPOINT": "streaming"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on a zero fragment cap",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_STREAMING_MAX_MESSAGE_FRAGMENTS": "0"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation when the buffer is too small",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_STREAMING_BUFFER_SIZE": "64"}),
			wantErr: true,
		},
		{
			name:    "Should parse the push preparation timeout",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_STREAMING_PUSH_PREPARE_TIMEOUT": "750ms"}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 750*time.Millisecond, cfg.Streaming.PushPrepareTimeout)
			},
		},
		{
			name:    "Should fail validation on a push preparation timeout under 10ms",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_STREAMING_PUSH_PREPARE_TIMEOUT": "1ms"}),
			wantErr: true,
		},
		{
			name: "Should fail validation when the fan-out queue is smaller than the worker count",
			envVars: mergeEnvVars(map[string]string{
				"HEIMDALL_STREAMING_FANOUT_WORKERS":    "32",
				"HEIMDALL_STREAMING_FANOUT_QUEUE_SIZE": "16",
			}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on an invalid port",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_STREAMING_PORT": "70000"}),
			wantErr: true,
		},
		{
			name:    "Should allow disabling the connection cap",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_STREAMING_MAX_CONNECTIONS": "0"}),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0, cfg.Streaming.MaxConnections)
				assert.Equal(t, "0.0.0.0:5100", cfg.Streaming.Address())
			},
		},
	})
}

func TestBackplaneConfig_Validation(t *testing.T) {
	runLoadCases(t, []loadCase{
		{
			name:    "Should fail validation on an unknown provider",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_BACKPLANE_PROVIDER": "nats"}),
			wantErr: true,
		},
		{
			name: "Should not require redis when neither transport uses it",
			envVars: map[string]string{
				"HEIMDALL_DB_HOST":              "localhost",
				"HEIMDALL_DB_PORT":              "5432",
				"HEIMDALL_DB_NAME":              "heimdall_test",
				"HEIMDALL_DB_USER":              "test_user",
				"HEIMDALL_BACKPLANE_PROVIDER":   "postgres",
				"HEIMDALL_DISPATCHER_PROVIDER":  "postgres",
				"HEIMDALL_BACKPLANE_RETENTION":  "2h",
				"HEIMDALL_BACKPLANE_POSTGRES_BATCH_SIZE": "50",
			},
			want: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.UsesProvider(ProviderRedis))
				assert.True(t, cfg.UsesProvider(ProviderPostgres))
				assert.Equal(t, 2*time.Hour, cfg.Backplane.Retention)
				assert.Equal(t, 50, cfg.Backplane.PostgresBatchSize)
			},
		},
		{
			name: "Should ignore the dispatcher provider when the dispatcher is disabled",
			envVars: mergeEnvVars(map[string]string{
				"HEIMDALL_DISPATCHER_ENABLED":  "false",
				"HEIMDALL_DISPATCHER_PROVIDER": "kafka",
			}),
			want: func(t *testing.T, cfg *Config) {
				assert.False(t, cfg.UsesProvider(ProviderKafka))
			},
		},
		{
			name:    "Should fail validation on an unsafe postgres table name",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_BACKPLANE_POSTGRES_TABLE": "messages;drop"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on an unsafe notify channel",
			envVars: mergeEnvVars(map[string]string{"HEIMDALL_BACKPLANE_POSTGRES_NOTIFY_CHANNEL": "Bad-Channel"}),
			wantErr: true,
		},
		{
			name: "Should fail validation when max backoff is below min backoff",
			envVars: mergeEnvVars(map[string]string{
				"HEIMDALL_BACKPLANE_RECONNECT_MIN_BACKOFF": "5s",
				"HEIMDALL_BACKPLANE_RECONNECT_MAX_BACKOFF": "1s",
			}),
			wantErr: true,
		},
		{
			name: "Should reject the memory provider in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				cfg["HEIMDALL_BACKPLANE_PROVIDER"] = "memory"
				return cfg
			}(),
			wantErr: true,
		},
	})
}

func TestKafkaConfig_Validation(t *testing.T) {
	kafkaEnv := func(extra map[string]string) map[string]string {
		env := mergeEnvVars(map[string]string{
			"HEIMDALL_BACKPLANE_PROVIDER": "kafka",
			"HEIMDALL_KAFKA_BROKERS":      "broker-1:9092,broker-2:9092",
		})
		maps.Copy(env, extra)
		return env
	}

	runLoadCases(t, []loadCase{
		{
			name:    "Should load brokers and defaults",
			envVars: kafkaEnv(nil),
			want: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.Kafka.Brokers)
				assert.Equal(t, "latest", cfg.Kafka.AutoOffsetReset)
				assert.Equal(t, 10*time.Second, cfg.Kafka.SessionTimeout)
				assert.True(t, cfg.Kafka.IsConfigured())
			},
		},
		{
			name:    "Should fail validation when brokers are missing",
			envVars: kafkaEnv(map[string]string{"HEIMDALL_KAFKA_BROKERS": ""}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on a broker without port",
			envVars: kafkaEnv(map[string]string{"HEIMDALL_KAFKA_BROKERS": "broker-1"}),
			wantErr: true,
		},
		{
			name:    "Should fail validation on an unknown offset reset policy",
			envVars: kafkaEnv(map[string]string{"HEIMDALL_KAFKA_AUTO_OFFSET_RESET": "none"}),
			wantErr: true,
		},
		{
			name: "Should require TLS in production",
			envVars: func() map[string]string {
				cfg := validProductionConfig()
				cfg["HEIMDALL_BACKPLANE_PROVIDER"] = "kafka"
				cfg["HEIMDALL_KAFKA_BROKERS"] = "broker-1:9092"
				return cfg
			}(),
			wantErr: true,
		},
	})
}
