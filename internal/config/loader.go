// loader.go implements the configuration loading lifecycle.
//
// The loading sequence is:
//  1. Enforce UTC timezone to prevent drift bugs.
//  2. Load .env file via godotenv (non-fatal if absent).
//  3. Scan environment for _FILE suffix variables and resolve them via the
//     SecretProvider, injecting the values back into the environment.
//  4. Use envconfig to process struct tags and populate the Config struct.
//  5. Populate BuildInfo from linker-injected variables.
//  6. Validate the struct using go-playground/validator, then check
//     cross-section requirements (backend selections that need credentials).
package config

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// ConfigError is a diagnostic error type returned by LoadConfig to aid debugging.
type ConfigError struct {
	Type    ConfigErrorType
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the underlying error for use with errors.Is/errors.As.
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// secretFileSuffix marks environment variables that point at a secret file.
// For example, DATABASE_URL_FILE=/run/secrets/db_url populates DATABASE_URL.
const secretFileSuffix = "_FILE"

// secretVars lists the variables that may be populated from a secret file.
var secretVars = map[string]bool{
	"DATABASE_URL":      true,
	"AMQP_URL":          true,
	"REDIS_PASSWORD":    true,
	"SENDGRID_API_KEY":  true,
	"FCM_ACCESS_TOKEN":  true,
	"OPERATOR_KEY_HASH": true,
}

type envLookup func(key string) (string, bool)

type envSet func(key, value string) error

type environ func() []string

// loaderDeps holds the injectable dependencies for the loader, enabling
// testing without mutating global state.
type loaderDeps struct {
	lookupEnv envLookup
	setEnv    envSet
	environ   environ
}

func defaultDeps() loaderDeps {
	return loaderDeps{
		lookupEnv: os.LookupEnv,
		setEnv:    os.Setenv,
		environ:   os.Environ,
	}
}

// LoadConfig loads and validates the configuration. A nil provider defaults
// to the FileProvider.
func LoadConfig(provider SecretProvider) (*Config, error) {
	if provider == nil {
		provider = NewFileProvider()
	}
	return loadConfigWithDeps(provider, defaultDeps())
}

func loadConfigWithDeps(provider SecretProvider, deps loaderDeps) (*Config, error) {
	time.Local = time.UTC

	// godotenv does NOT override existing environment variables.
	_ = godotenv.Load()

	if err := resolveSecretFiles(provider, deps); err != nil {
		return nil, err
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrParsing,
			Message: "failed to process environment configuration",
			Err:     err,
		}
	}

	cfg.Build = NewBuildInfo()

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return nil, &ConfigError{
			Type:    ErrValidation,
			Message: "configuration validation failed",
			Err:     err,
		}
	}

	if missing := cfg.missingDependencies(); len(missing) > 0 {
		return nil, &ConfigError{
			Type:    ErrMissingEnv,
			Message: fmt.Sprintf("selected backends require: %s", strings.Join(missing, ", ")),
		}
	}

	return &cfg, nil
}

// resolveSecretFiles scans the environment for variables ending in _FILE,
// reads the referenced files via the SecretProvider, and injects the values
// under the stripped variable name so that envconfig can process them.
//
// If the target variable is already set, the file is not read. This respects
// the priority chain: OS Environment > Dotenv > secret files.
func resolveSecretFiles(provider SecretProvider, deps loaderDeps) error {
	refToTarget := make(map[string]string)
	var refs []string

	for _, envEntry := range deps.environ() {
		eqIdx := strings.IndexByte(envEntry, '=')
		if eqIdx < 0 {
			continue
		}
		key := envEntry[:eqIdx]
		if !strings.HasSuffix(key, secretFileSuffix) {
			continue
		}

		target := strings.TrimSuffix(key, secretFileSuffix)
		if !secretVars[target] {
			continue
		}
		if _, exists := deps.lookupEnv(target); exists {
			continue
		}

		ref := envEntry[eqIdx+1:]
		if ref == "" {
			continue
		}
		refs = append(refs, ref)
		refToTarget[ref] = target
	}

	if len(refs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resolved, err := provider.Resolve(ctx, refs)
	if err != nil {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("failed to resolve %d secret files", len(refs)),
			Err:     err,
		}
	}

	var missing []string
	for _, ref := range refs {
		value, ok := resolved[ref]
		if !ok {
			missing = append(missing, refToTarget[ref])
			continue
		}
		if err := deps.setEnv(refToTarget[ref], value); err != nil {
			return &ConfigError{
				Type:    ErrSecretResolution,
				Message: fmt.Sprintf("failed to set resolved value for %s", refToTarget[ref]),
				Err:     err,
			}
		}
	}
	if len(missing) > 0 {
		return &ConfigError{
			Type:    ErrSecretResolution,
			Message: fmt.Sprintf("secret files not found for: %s", strings.Join(missing, ", ")),
		}
	}

	return nil
}

// missingDependencies lists the environment variables that the selected
// backends need but that were left empty.
func (c *Config) missingDependencies() []string {
	var missing []string

	if c.Broker.Kind == "sqs" {
		for _, ch := range c.Pipeline.Channels {
			switch ch {
			case "push":
				if c.AWS.PushQueueURL == "" {
					missing = append(missing, "SQS_PUSH_QUEUE_URL")
				}
			case "email":
				if c.AWS.EmailQueueURL == "" {
					missing = append(missing, "SQS_EMAIL_QUEUE_URL")
				}
			}
		}
		if c.AWS.FailedQueueURL == "" {
			missing = append(missing, "SQS_FAILED_QUEUE_URL")
		}
	}

	if (c.Idempotency.Backend == "postgres" || c.DeadLetter.Backend == "postgres") && !c.Database.URL.IsSet() {
		missing = append(missing, "DATABASE_URL")
	}

	if c.Provider.Kind == "live" {
		for _, ch := range c.Pipeline.Channels {
			switch ch {
			case "email":
				if !c.Provider.SendGridAPIKey.IsSet() {
					missing = append(missing, "SENDGRID_API_KEY")
				}
			case "push":
				if c.Provider.FCMProjectID == "" {
					missing = append(missing, "FCM_PROJECT_ID")
				}
				if !c.Provider.FCMAccessToken.IsSet() {
					missing = append(missing, "FCM_ACCESS_TOKEN")
				}
			}
		}
	}

	return missing
}
