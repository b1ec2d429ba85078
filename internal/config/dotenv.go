package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// LoadDotEnv exports KEY=VALUE lines from the given files and returns the files it
// read. Variables already in the process environment keep precedence, and missing
// files are skipped. Unquoted and double-quoted values expand ${VAR} references, so
// a .env.local can build on .env.
func LoadDotEnv(paths ...string) ([]string, error) {
	loaded := make([]string, 0, len(paths))
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" {
			continue
		}
		if err := loadDotEnvFile(trimmed); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return loaded, err
		}
		loaded = append(loaded, trimmed)
	}
	return loaded, nil
}

func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, raw, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || strings.ContainsAny(key, " \t") {
			return fmt.Errorf("%s:%d: expected KEY=VALUE", path, lineNumber)
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, parseDotEnvValue(raw))
	}
	return scanner.Err()
}

func parseDotEnvValue(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}

	quote := trimmed[0]
	if (quote == '"' || quote == '\'') && len(trimmed) >= 2 && trimmed[len(trimmed)-1] == quote {
		unquoted := trimmed[1 : len(trimmed)-1]
		if quote == '\'' {
			return unquoted
		}
		replacer := strings.NewReplacer(
			`\\`, `\`,
			`\n`, "\n",
			`\t`, "\t",
			`\"`, `"`,
		)
		return os.ExpandEnv(replacer.Replace(unquoted))
	}

	if index := strings.Index(trimmed, " #"); index >= 0 {
		trimmed = strings.TrimSpace(trimmed[:index])
	}
	return os.ExpandEnv(trimmed)
}
