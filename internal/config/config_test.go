package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Chat: ChatConfig{
			BotToken:      "xoxb-token",
			SigningSecret: "secret",
			Mode:          "http",
		},
		MinIO: MinIOConfig{
			Endpoint:        "localhost:9000",
			AccessKeyID:     "minioadmin",
			SecretAccessKey: "minioadmin",
			BucketName:      "printflow",
		},
		Sheet: SheetConfig{
			BaseURL:       "https://sheets.example.com",
			APIKey:        "key",
			SpreadsheetID: "SS1",
			LogRange:      "PrintLog!A:I",
		},
		Kafka: KafkaConfig{
			Brokers: "localhost:9092",
			Topic:   "print-submission-tasks",
		},
	}
}

func TestApplyDefaults(t *testing.T) {
	var c Config
	applyDefaults(&c)

	assert.Equal(t, "8080", c.Server.Port)
	assert.Equal(t, float64(10), c.Server.RatePerSecond)
	assert.Equal(t, 20, c.Server.RateBurst)
	assert.Equal(t, "http", c.Chat.Mode)
	assert.Equal(t, 2, c.Submission.WaitlistTTLMinutes)
	assert.Equal(t, 5, c.Submission.PendingUploadTTLMinutes)
	assert.Equal(t, 60, c.Submission.SweepIntervalSeconds)
	assert.Equal(t, 10, c.Sheet.OptionCacheTTLMinute)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	c := Config{
		Server:     ServerConfig{Port: "9090", RatePerSecond: 5, RateBurst: 8},
		Submission: SubmissionConfig{WaitlistTTLMinutes: 3},
	}
	applyDefaults(&c)

	assert.Equal(t, "9090", c.Server.Port)
	assert.Equal(t, float64(5), c.Server.RatePerSecond)
	assert.Equal(t, 3, c.Submission.WaitlistTTLMinutes)
}

func TestValidateAccepts(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.Validate())
}

func TestValidateListsAllMissingKeys(t *testing.T) {
	c := validConfig()
	c.Chat.BotToken = ""
	c.Sheet.APIKey = ""
	c.Kafka.Topic = ""

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.bot_token")
	assert.Contains(t, err.Error(), "sheet.api_key")
	assert.Contains(t, err.Error(), "kafka.topic")
}

func TestValidateSocketModeNeedsAppToken(t *testing.T) {
	c := validConfig()
	c.Chat.Mode = "socket"

	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat.app_token")

	c.Chat.AppToken = "xapp-token"
	assert.NoError(t, c.Validate())
}
