package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the grading worker.
type Config struct {
	AppName string
	AppEnv  string

	LMSBaseURL  string        `validate:"required,url"`
	LMSAPIKey   string        `validate:"required"`
	LMSOrgID    string        `validate:"required"`
	LMSPageSize int           `validate:"gte=1,lte=100"`
	LMSTimeout  time.Duration `validate:"gt=0"`
	ScratchDir  string        `validate:"required"`

	AIAPIKey     string `validate:"required"`
	AIBaseURL    string `validate:"omitempty,url"`
	AIModel      string `validate:"required"`
	AIMaxTokens  int    `validate:"gte=1"`
	AITotalMarks int    `validate:"gte=1"`

	RequestDelayMin      time.Duration `validate:"gte=0"`
	RequestDelayMax      time.Duration `validate:"gtefield=RequestDelayMin"`
	BatchDelayMin        time.Duration `validate:"gte=0"`
	BatchDelayMax        time.Duration `validate:"gtefield=BatchDelayMin"`
	BatchSize            int           `validate:"gte=0"`
	RetryBaseDelay       time.Duration `validate:"gt=0"`
	RetryMaxDelay        time.Duration `validate:"gtefield=RetryBaseDelay"`
	MaxRetries           int           `validate:"gte=1"`
	MaxSubmissionRetries int           `validate:"gte=0"`
	FeedbackMaxChars     int           `validate:"gte=100"`
	SkipProbe            bool

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json console"`

	OpsPort     string
	NATSURL     string `validate:"omitempty,url"`
	NATSSubject string
}

// OpsEnabled reports whether the HTTP ops surface should be started.
func (c Config) OpsEnabled() bool {
	return strings.TrimSpace(c.OpsPort) != ""
}

// HTTPAddress returns the address the ops server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.OpsPort, ":") {
		return c.OpsPort
	}

	return fmt.Sprintf(":%s", c.OpsPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "gema-grader")
	v.SetDefault("app.env", "development")
	v.SetDefault("lms.page_size", 10)
	v.SetDefault("lms.timeout", "30s")
	v.SetDefault("scratch_dir", "assignments")
	v.SetDefault("ai.base_url", "https://generativelanguage.googleapis.com/v1beta/openai/")
	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.max_tokens", 1024)
	v.SetDefault("ai.total_marks", 100)
	v.SetDefault("request_delay.min", "2s")
	v.SetDefault("request_delay.max", "5s")
	v.SetDefault("batch_delay.min", "5s")
	v.SetDefault("batch_delay.max", "10s")
	v.SetDefault("batch_size", 10)
	v.SetDefault("retry.base_delay", "10s")
	v.SetDefault("retry.max_delay", "10m")
	v.SetDefault("max_retries", 3)
	v.SetDefault("max_submission_retries", 2)
	v.SetDefault("feedback.max_chars", 800)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("nats.subject", "grader")

	var errs []error
	duration := func(key string) time.Duration {
		d, err := parseDuration(v.GetString(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
		return d
	}

	cfg := Config{
		AppName:              v.GetString("app.name"),
		AppEnv:               v.GetString("app.env"),
		LMSBaseURL:           v.GetString("lms.base_url"),
		LMSAPIKey:            v.GetString("lms.api_key"),
		LMSOrgID:             v.GetString("lms.org_id"),
		LMSPageSize:          v.GetInt("lms.page_size"),
		LMSTimeout:           duration("lms.timeout"),
		ScratchDir:           v.GetString("scratch_dir"),
		AIAPIKey:             v.GetString("ai.api_key"),
		AIBaseURL:            v.GetString("ai.base_url"),
		AIModel:              v.GetString("ai.model"),
		AIMaxTokens:          v.GetInt("ai.max_tokens"),
		AITotalMarks:         v.GetInt("ai.total_marks"),
		RequestDelayMin:      duration("request_delay.min"),
		RequestDelayMax:      duration("request_delay.max"),
		BatchDelayMin:        duration("batch_delay.min"),
		BatchDelayMax:        duration("batch_delay.max"),
		BatchSize:            v.GetInt("batch_size"),
		RetryBaseDelay:       duration("retry.base_delay"),
		RetryMaxDelay:        duration("retry.max_delay"),
		MaxRetries:           v.GetInt("max_retries"),
		MaxSubmissionRetries: v.GetInt("max_submission_retries"),
		FeedbackMaxChars:     v.GetInt("feedback.max_chars"),
		SkipProbe:            v.GetBool("skip_probe"),
		LogLevel:             strings.ToLower(v.GetString("log.level")),
		LogFormat:            strings.ToLower(v.GetString("log.format")),
		OpsPort:              v.GetString("ops.port"),
		NATSURL:              v.GetString("nats.url"),
		NATSSubject:          v.GetString("nats.subject"),
	}
	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks required credentials and that every min/max window is ordered.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	messages := make([]string, 0, len(validationErrors))
	for _, fieldErr := range validationErrors {
		if fieldErr.Param() != "" {
			messages = append(messages, fmt.Sprintf("%s failed %s=%s", fieldErr.Field(), fieldErr.Tag(), fieldErr.Param()))
			continue
		}
		messages = append(messages, fmt.Sprintf("%s failed %s", fieldErr.Field(), fieldErr.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(messages, "; "))
}

// parseDuration accepts Go durations ("90s", "2m") and bare seconds ("10").
func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second)), nil
	}
	return time.ParseDuration(value)
}
