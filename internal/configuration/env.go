package configuration

import (
	"fmt"
	"os"
	"regexp"
)

var envVarPattern = regexp.MustCompile(`\${([^}]+)}`)

// ExpandEnvStrict expands ${VAR} references and fails on any unset variable.
func ExpandEnvStrict(s string) (string, error) {
	for _, m := range envVarPattern.FindAllStringSubmatch(s, -1) {
		name := m[1]
		if _, ok := os.LookupEnv(name); !ok {
			return "", fmt.Errorf("environment variable %s is not set", name)
		}
	}

	return os.ExpandEnv(s), nil
}
