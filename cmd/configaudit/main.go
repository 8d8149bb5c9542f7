package main

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultComposePath   = "docker-compose.yml"
	drivegateServiceName = "drivegate"
	minSessionSecretSize = 32
)

var (
	errAuditFailed = errors.New("config_audit_failed")

	requiredEnvironmentKeys = []string{"DB_DSN", "SESSION_SECRET", "DRIVE_WORKER_URL"}
	durationEnvironmentKeys = []string{"DRIVE_WORKER_TIMEOUT", "DRIVE_CACHE_TTL", "EXPIRY_SWEEP_INTERVAL", "EXPIRY_NOTICE_WINDOW"}
	booleanEnvironmentKeys  = []string{"SECURE_COOKIES", "DRIVE_RENDERER_ENABLED", "LOG_DEVELOPMENT", "METRICS_ENABLED"}
	allowedServeModes       = map[string]struct{}{"": {}, "all": {}, "api": {}, "jobs": {}}
	localWorkerHosts        = map[string]struct{}{"localhost": {}, "127.0.0.1": {}, "::1": {}}
)

type stringList []string

func (list *stringList) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*list = nil
		return nil
	}
	switch node.Kind {
	case yaml.ScalarNode:
		value := strings.TrimSpace(node.Value)
		if value == "" {
			*list = nil
			return nil
		}
		*list = []string{value}
		return nil
	case yaml.SequenceNode:
		entries := make([]string, 0, len(node.Content))
		for _, child := range node.Content {
			if child == nil {
				continue
			}
			if value := strings.TrimSpace(child.Value); value != "" {
				entries = append(entries, value)
			}
		}
		*list = entries
		return nil
	default:
		return fmt.Errorf("unsupported yaml node kind %d for list", node.Kind)
	}
}

type environmentMap map[string]string

func (environment *environmentMap) UnmarshalYAML(node *yaml.Node) error {
	if node == nil {
		*environment = nil
		return nil
	}
	switch node.Kind {
	case yaml.MappingNode:
		decoded := make(map[string]string)
		if err := node.Decode(&decoded); err != nil {
			return err
		}
		normalized := make(map[string]string, len(decoded))
		for key, value := range decoded {
			normalized[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		*environment = normalized
		return nil
	case yaml.SequenceNode:
		decoded := make([]string, 0, len(node.Content))
		if err := node.Decode(&decoded); err != nil {
			return err
		}
		normalized := make(map[string]string)
		for _, entry := range decoded {
			key, value, _ := strings.Cut(strings.TrimSpace(entry), "=")
			if key = strings.TrimSpace(key); key != "" {
				normalized[key] = strings.TrimSpace(value)
			}
		}
		*environment = normalized
		return nil
	default:
		return fmt.Errorf("unsupported yaml node kind %d for environment", node.Kind)
	}
}

type composeFile struct {
	Services map[string]composeService `yaml:"services"`
}

type composeService struct {
	EnvFile     stringList     `yaml:"env_file"`
	Environment environmentMap `yaml:"environment"`
	Ports       stringList     `yaml:"ports"`
	Image       string         `yaml:"image"`
	OtherKeys   map[string]any `yaml:",inline"`
}

type auditResult struct {
	errors   []string
	warnings []string
}

func (result *auditResult) addError(message string, arguments ...any) {
	result.errors = append(result.errors, fmt.Sprintf(message, arguments...))
}

func (result *auditResult) addWarning(message string, arguments ...any) {
	result.warnings = append(result.warnings, fmt.Sprintf(message, arguments...))
}

func (result auditResult) ok() bool {
	return len(result.errors) == 0
}

func main() {
	composePath := defaultComposePath
	if len(os.Args) > 1 {
		composePath = os.Args[1]
	}
	result := runAudit(composePath)
	sort.Strings(result.errors)
	sort.Strings(result.warnings)

	for _, warning := range result.warnings {
		_, _ = fmt.Fprintf(os.Stdout, "WARN: %s\n", warning)
	}
	for _, errorMessage := range result.errors {
		_, _ = fmt.Fprintf(os.Stderr, "ERROR: %s\n", errorMessage)
	}
	if !result.ok() {
		_, _ = fmt.Fprintf(os.Stderr, "config-audit failed\n")
		os.Exit(1)
	}
	_, _ = fmt.Fprintf(os.Stdout, "config-audit OK\n")
}

func runAudit(composePath string) auditResult {
	var result auditResult

	composeDocument, readErr := os.ReadFile(composePath)
	if readErr != nil {
		result.addError("read compose file %s: %v", composePath, readErr)
		return result
	}

	var compose composeFile
	if decodeErr := yaml.Unmarshal(composeDocument, &compose); decodeErr != nil {
		result.addError("parse compose file %s: %v", composePath, decodeErr)
		return result
	}
	if len(compose.Services) == 0 {
		result.addError("compose file %s: no services defined", composePath)
		return result
	}

	composeDirectory := filepath.Dir(composePath)
	hostPortToService := make(map[string]string)
	serviceNames := make([]string, 0, len(compose.Services))
	for serviceName := range compose.Services {
		serviceNames = append(serviceNames, serviceName)
	}
	sort.Strings(serviceNames)

	for _, serviceName := range serviceNames {
		service := compose.Services[serviceName]
		checkHostPortCollisions(serviceName, service.Ports, hostPortToService, &result)
		if serviceName != drivegateServiceName {
			continue
		}
		environment, environmentErr := loadServiceEnvironment(composeDirectory, serviceName, service.EnvFile, service.Environment, &result)
		if environmentErr != nil {
			result.addError("service %s: %v", serviceName, environmentErr)
			continue
		}
		checkDriveGateEnvironment(environment, &result)
	}

	if _, found := compose.Services[drivegateServiceName]; !found {
		result.addError("compose file %s: service %s is not defined", composePath, drivegateServiceName)
	}
	return result
}

func loadServiceEnvironment(composeDirectory string, serviceName string, envFiles []string, environment environmentMap, result *auditResult) (map[string]string, error) {
	merged := make(map[string]string)

	for _, envFile := range envFiles {
		resolvedPath := filepath.Clean(filepath.Join(composeDirectory, envFile))
		if _, statErr := os.Stat(resolvedPath); statErr != nil {
			result.addError("service %s: env_file %s is missing (%v)", serviceName, envFile, statErr)
			continue
		}
		values, duplicates, parseErr := parseDotEnv(resolvedPath)
		if parseErr != nil {
			return nil, fmt.Errorf("parse env_file %s: %w", envFile, parseErr)
		}
		for _, duplicate := range duplicates {
			result.addError("service %s: env_file %s defines %s more than once", serviceName, envFile, duplicate)
		}
		for key, value := range values {
			merged[key] = value
		}
	}

	for key, value := range environment {
		merged[key] = value
	}

	if len(merged) == 0 {
		return nil, fmt.Errorf("%w: no environment variables resolved", errAuditFailed)
	}
	return merged, nil
}

func parseDotEnv(path string) (map[string]string, []string, error) {
	file, openErr := os.Open(path)
	if openErr != nil {
		return nil, nil, openErr
	}
	defer func() { _ = file.Close() }()

	entries := make(map[string]string)
	duplicateSet := make(map[string]struct{})

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		if _, already := entries[key]; already {
			duplicateSet[key] = struct{}{}
		}
		entries[key] = strings.Trim(strings.TrimSpace(value), `"'`)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return nil, nil, scanErr
	}

	duplicates := make([]string, 0, len(duplicateSet))
	for key := range duplicateSet {
		duplicates = append(duplicates, key)
	}
	sort.Strings(duplicates)
	return entries, duplicates, nil
}

func checkDriveGateEnvironment(environment map[string]string, result *auditResult) {
	for _, key := range requiredEnvironmentKeys {
		if strings.TrimSpace(environment[key]) == "" {
			result.addError("service %s: required env %s is missing or empty", drivegateServiceName, key)
		}
	}

	if secret := environment["SESSION_SECRET"]; secret != "" && len(secret) < minSessionSecretSize {
		result.addError("service %s: SESSION_SECRET must be at least %d bytes", drivegateServiceName, minSessionSecretSize)
	}

	if rawWorkerURL := strings.TrimSpace(environment["DRIVE_WORKER_URL"]); rawWorkerURL != "" {
		workerURL, parseErr := url.Parse(rawWorkerURL)
		switch {
		case parseErr != nil || workerURL.Host == "":
			result.addError("service %s: DRIVE_WORKER_URL %q is not an absolute URL", drivegateServiceName, rawWorkerURL)
		case workerURL.Scheme != "https" && workerURL.Scheme != "http":
			result.addError("service %s: DRIVE_WORKER_URL must use http or https", drivegateServiceName)
		default:
			if _, local := localWorkerHosts[workerURL.Hostname()]; local {
				result.addError("service %s: DRIVE_WORKER_URL points at %s, which is the container itself", drivegateServiceName, workerURL.Hostname())
			} else if workerURL.Scheme == "http" {
				result.addWarning("service %s: DRIVE_WORKER_URL uses plain http", drivegateServiceName)
			}
		}
	}

	if strings.TrimSpace(environment["ADMIN_EMAILS"]) == "" {
		result.addWarning("service %s: ADMIN_EMAILS is empty, only stored admin roles can review subscriptions", drivegateServiceName)
	}

	if _, allowed := allowedServeModes[strings.ToLower(strings.TrimSpace(environment["SERVE_MODE"]))]; !allowed {
		result.addError("service %s: SERVE_MODE %q is not one of all, api, jobs", drivegateServiceName, environment["SERVE_MODE"])
	}

	for _, key := range durationEnvironmentKeys {
		if value, present := environment[key]; present && value != "" {
			if _, parseErr := time.ParseDuration(value); parseErr != nil {
				result.addError("service %s: %s %q is not a duration", drivegateServiceName, key, value)
			}
		}
	}
	for _, key := range booleanEnvironmentKeys {
		if value, present := environment[key]; present && value != "" {
			if _, parseErr := strconv.ParseBool(value); parseErr != nil {
				result.addError("service %s: %s %q is not a boolean", drivegateServiceName, key, value)
			}
		}
	}
	if value, present := environment["DRIVE_REQUESTS_PER_MINUTE"]; present && value != "" {
		if parsed, parseErr := strconv.Atoi(value); parseErr != nil || parsed < 0 {
			result.addError("service %s: DRIVE_REQUESTS_PER_MINUTE %q must be a non-negative integer", drivegateServiceName, value)
		}
	}
	if secure, _ := strconv.ParseBool(environment["SECURE_COOKIES"]); !secure {
		result.addWarning("service %s: SECURE_COOKIES is off, session cookies travel over plain http", drivegateServiceName)
	}
}

func checkHostPortCollisions(serviceName string, ports []string, hostPortToService map[string]string, result *auditResult) {
	for _, mapping := range ports {
		hostPort, ok := parseHostPort(strings.TrimSpace(mapping))
		if !ok {
			continue
		}
		if existingService, already := hostPortToService[hostPort]; already {
			result.addError("compose: host port %s is published by both %s and %s", hostPort, existingService, serviceName)
		} else {
			hostPortToService[hostPort] = serviceName
		}
	}
}

func parseHostPort(portMapping string) (string, bool) {
	parts := strings.Split(strings.Trim(portMapping, `"`), ":")
	if len(parts) < 2 {
		return "", false
	}
	hostPort := strings.TrimSpace(parts[len(parts)-2])
	if hostPort == "" {
		return "", false
	}
	for _, runeValue := range hostPort {
		if runeValue < '0' || runeValue > '9' {
			return "", false
		}
	}
	return hostPort, true
}
