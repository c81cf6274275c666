package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, env-expands, parses, and validates a configuration file.
// Validation failures are aggregated into a single error listing every
// problem; the configuration is never returned partially valid.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv substitutes ${VAR} references with environment values.
// Unset variables are an error so that a missing secret fails fast instead
// of producing an empty credential.
func expandEnv(input string) (string, error) {
	var missing []string
	expanded := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		value, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return value
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("undefined environment variables referenced in config: %s",
			strings.Join(missing, ", "))
	}
	return expanded, nil
}

// Validate checks the configuration and returns one aggregated error
// describing every violation.
func (c *Config) Validate() error {
	validate := validator.New()
	// Report violations under their yaml names so messages match the file.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("yaml"), ",", 2)[0]
		if name == "" || name == "-" {
			return field.Name
		}
		return name
	})

	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, ve := range verrs {
				problems = append(problems, describeViolation(ve))
			}
		} else {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}

	problems = append(problems, c.crossFieldProblems()...)

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// crossFieldProblems checks constraints the struct tags cannot express.
func (c *Config) crossFieldProblems() []string {
	var problems []string

	if c.Sync.Users.IdentityStrategy == IdentityStrategyCustomField && c.Sync.Users.CustomField == "" {
		problems = append(problems, "sync.users.custom_field is required when identity_strategy is custom_field")
	}
	if c.Sync.Users.IdentityStrategy == IdentityStrategyMappingFile && c.Sync.Users.MappingFile == "" {
		problems = append(problems, "sync.users.mapping_file is required when identity_strategy is mapping_file")
	}
	if c.Sync.Groups.IdentityStrategy == IdentityStrategyCustomField && c.Sync.Groups.CustomField == "" {
		problems = append(problems, "sync.groups.custom_field is required when identity_strategy is custom_field")
	}

	for name := range c.Braintrust.Orgs {
		if strings.TrimSpace(name) == "" {
			problems = append(problems, "braintrust.orgs contains an empty organization name")
		}
	}

	return problems
}

// describeViolation renders one validator error as a yaml-path style message.
func describeViolation(ve validator.FieldError) string {
	path := ve.Namespace()
	// Strip the root struct name; the tag name func already yields the yaml
	// names for the remaining segments.
	if i := strings.Index(path, "."); i >= 0 {
		path = path[i+1:]
	}

	switch ve.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", path)
	case "min":
		return fmt.Sprintf("%s must be at least %s", path, ve.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", path, ve.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", path, ve.Param())
	case "fqdn":
		return fmt.Sprintf("%s must be a fully qualified domain name", path)
	case "url":
		return fmt.Sprintf("%s must be a valid URL", path)
	default:
		return fmt.Sprintf("%s failed %s validation", path, ve.Tag())
	}
}
