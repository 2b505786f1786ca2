package config

import (
	"log"
	"os"
	"strings"

	"github.com/chirpline/newsfeed/logger"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

// EnvLine is one KEY=value pair from an env file.
type EnvLine struct {
	Key string
	Val string
}

func dequote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// interpolate expands ${NAME} and ${NAME:-default} from vars. Unknown
// references without a default are kept as written.
func interpolate(input string, vars map[string]string) string {
	var out strings.Builder
	for {
		start := strings.Index(input, "${")
		if start < 0 {
			out.WriteString(input)
			return out.String()
		}
		end := strings.IndexByte(input[start:], '}')
		if end < 0 {
			out.WriteString(input)
			return out.String()
		}
		end += start
		out.WriteString(input[:start])
		ref := input[start : end+1]
		name, def, _ := strings.Cut(input[start+2:end], ":-")
		switch val, ok := vars[name]; {
		case ok && val != "":
			out.WriteString(val)
		case def != "":
			out.WriteString(def)
		default:
			out.WriteString(ref)
		}
		input = input[end+1:]
	}
}

// ParseEnvBuffer parses KEY=value lines, skipping blanks and comments.
func ParseEnvBuffer(buf []byte) []EnvLine {
	var envs []EnvLine
	vars := make(map[string]string)
	for _, line := range strings.Split(string(buf), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, _ := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		val = interpolate(dequote(strings.TrimSpace(val)), vars)
		vars[key] = val
		envs = append(envs, EnvLine{Key: key, Val: val})
	}
	return envs
}

// LoadEnvFile sets the variables of an env file that are not already set in
// the process environment. A missing file is not an error.
func LoadEnvFile(filename string) error {
	buf, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "error reading %s", filename)
	}
	for _, env := range ParseEnvBuffer(buf) {
		if _, ok := os.LookupEnv(env.Key); ok {
			continue
		}
		if err := os.Setenv(env.Key, env.Val); err != nil {
			return errors.Wrapf(err, "error setting %s", env.Key)
		}
	}
	return nil
}

// FlagOrEnv will try and get a flag from the cobra.Command and if not found, look it up in the environment
// and fallback to defaultValue if non found
func FlagOrEnv(cmd *cobra.Command, flagName string, envName string, defaultValue string) string {
	flagValue, _ := cmd.Flags().GetString(flagName)
	if flagValue != "" {
		return flagValue
	}
	if val, ok := os.LookupEnv(envName); ok && val != "" {
		return val
	}
	return defaultValue
}

// NewLogger returns a logger using the --log-level and --log-format flags,
// falling back to the environment and then to cfg.
func NewLogger(cmd *cobra.Command, cfg LogConfig) logger.Logger {
	log.SetFlags(0)
	level := logger.ParseLevel(FlagOrEnv(cmd, "log-level", logger.LevelEnv, cfg.Level), logger.LevelInfo)
	format := FlagOrEnv(cmd, "log-format", "NEWSFEED_LOG_FORMAT", cfg.Format)
	return logger.New(format, level)
}
