package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// envFileCandidates lists env files in load order. AUTOPILOT_ENV_FILE comes
// first so its values win over the per-user files.
func envFileCandidates() []string {
	var out []string
	if explicit := strings.TrimSpace(os.Getenv(EnvPrefix + "_ENV_FILE")); explicit != "" {
		if abs, err := filepath.Abs(explicit); err == nil {
			explicit = abs
		}
		out = append(out, explicit)
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, p := range []string{
			filepath.Join(home, ".config", "autopilot", "env"),
			filepath.Join(home, ConfigDir, "env"),
			filepath.Join(home, ConfigDir, ".env"),
		} {
			if len(out) == 0 || out[0] != p {
				out = append(out, p)
			}
		}
	}
	return out
}

// LoadEnvFileCandidates exports KEY=VALUE lines from the known env files.
// Variables already present in the process environment are kept.
func LoadEnvFileCandidates() {
	for _, p := range envFileCandidates() {
		_ = loadEnvFile(p)
	}
}

func loadEnvFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, val, ok := parseEnvLine(sc.Text())
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(key); !set {
			_ = os.Setenv(key, val)
		}
	}
	return sc.Err()
}

// parseEnvLine accepts `KEY=VALUE` with an optional `export ` prefix and
// one level of matching quotes around the value.
func parseEnvLine(line string) (key, val string, ok bool) {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' {
		return "", "", false
	}
	line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
	key, val, ok = strings.Cut(line, "=")
	key = strings.TrimSpace(key)
	if !ok || key == "" {
		return "", "", false
	}
	return key, unquote(strings.TrimSpace(val)), true
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}
