package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

const (
	testComposeFileName  = "docker-compose.yml"
	testEnvFileName      = "drivegate.env"
	testSessionSecret    = "0123456789abcdef0123456789abcdef"
	testDriveWorkerURL   = "https://drive.example.workers.dev"
	testDatabaseDSN      = "file:/data/drivegate.db"
	testAdminEmails      = "admin@example.com"
	testComposeTemplate  = "services:\n  drivegate:\n    image: drivegate:latest\n    env_file: drivegate.env\n    ports:\n      - \"8080:8080\"\n%s"
	testWorkerComposeTag = "  worker:\n    image: worker:latest\n    ports:\n      - \"%s:80\"\n"
)

func writeFixture(testingT *testing.T, directory string, name string, content string) string {
	testingT.Helper()
	path := filepath.Join(directory, name)
	require.NoError(testingT, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validEnvironment() string {
	return strings.Join([]string{
		"DB_DSN=" + testDatabaseDSN,
		"SESSION_SECRET=" + testSessionSecret,
		"DRIVE_WORKER_URL=" + testDriveWorkerURL,
		"ADMIN_EMAILS=" + testAdminEmails,
		"SECURE_COOKIES=true",
		"DRIVE_CACHE_TTL=1m",
		"DRIVE_REQUESTS_PER_MINUTE=120",
	}, "\n") + "\n"
}

func composeWithWorker(hostPort string) string {
	if hostPort == "" {
		return strings.Replace(testComposeTemplate, "%s", "", 1)
	}
	return strings.Replace(testComposeTemplate, "%s", strings.Replace(testWorkerComposeTag, "%s", hostPort, 1), 1)
}

func TestStringListUnmarshalYAML(testingT *testing.T) {
	testCases := []struct {
		name     string
		inputYML string
		expected []string
		hasError bool
	}{
		{name: "scalar value", inputYML: "value", expected: []string{"value"}},
		{name: "sequence values", inputYML: "- first\n- second\n", expected: []string{"first", "second"}},
		{name: "mapping unsupported", inputYML: "key: value", hasError: true},
	}

	for _, testCase := range testCases {
		testCase := testCase
		testingT.Run(testCase.name, func(testingT *testing.T) {
			var target stringList
			unmarshalErr := yaml.Unmarshal([]byte(testCase.inputYML), &target)
			if testCase.hasError {
				require.Error(testingT, unmarshalErr)
				return
			}
			require.NoError(testingT, unmarshalErr)
			require.Equal(testingT, testCase.expected, []string(target))
		})
	}
}

func TestEnvironmentMapUnmarshalYAML(testingT *testing.T) {
	var fromMapping environmentMap
	require.NoError(testingT, yaml.Unmarshal([]byte("SESSION_SECRET: \" value \"\nDRIVE_CACHE_TTL: 1m\n"), &fromMapping))
	require.Equal(testingT, environmentMap{"SESSION_SECRET": "value", "DRIVE_CACHE_TTL": "1m"}, fromMapping)

	var fromSequence environmentMap
	require.NoError(testingT, yaml.Unmarshal([]byte("- DB_DSN=file:x.db\n- EMPTY\n- =ignored\n"), &fromSequence))
	require.Equal(testingT, environmentMap{"DB_DSN": "file:x.db", "EMPTY": ""}, fromSequence)
}

func TestRunAuditAcceptsValidDeployment(testingT *testing.T) {
	directory := testingT.TempDir()
	writeFixture(testingT, directory, testEnvFileName, validEnvironment())
	composePath := writeFixture(testingT, directory, testComposeFileName, composeWithWorker("8787"))

	result := runAudit(composePath)
	require.True(testingT, result.ok(), result.errors)
	require.Empty(testingT, result.warnings)
}

func TestRunAuditReportsProblems(testingT *testing.T) {
	testCases := []struct {
		name            string
		environment     string
		compose         string
		expectedMessage string
		expectWarning   bool
	}{
		{
			name:            "missing worker url",
			environment:     strings.Replace(validEnvironment(), "DRIVE_WORKER_URL="+testDriveWorkerURL, "DRIVE_WORKER_URL=", 1),
			expectedMessage: "required env DRIVE_WORKER_URL is missing or empty",
		},
		{
			name:            "short session secret",
			environment:     strings.Replace(validEnvironment(), testSessionSecret, "short", 1),
			expectedMessage: "SESSION_SECRET must be at least 32 bytes",
		},
		{
			name:            "worker on localhost",
			environment:     strings.Replace(validEnvironment(), testDriveWorkerURL, "http://localhost:8787", 1),
			expectedMessage: "DRIVE_WORKER_URL points at localhost",
		},
		{
			name:            "bad duration",
			environment:     strings.Replace(validEnvironment(), "DRIVE_CACHE_TTL=1m", "DRIVE_CACHE_TTL=soon", 1),
			expectedMessage: "DRIVE_CACHE_TTL \"soon\" is not a duration",
		},
		{
			name:            "negative rate",
			environment:     strings.Replace(validEnvironment(), "DRIVE_REQUESTS_PER_MINUTE=120", "DRIVE_REQUESTS_PER_MINUTE=-1", 1),
			expectedMessage: "DRIVE_REQUESTS_PER_MINUTE \"-1\" must be a non-negative integer",
		},
		{
			name:            "duplicate key",
			environment:     validEnvironment() + "DB_DSN=file:/other.db\n",
			expectedMessage: "defines DB_DSN more than once",
		},
		{
			name:            "unknown serve mode",
			environment:     validEnvironment() + "SERVE_MODE=monolith\n",
			expectedMessage: "SERVE_MODE \"monolith\" is not one of all, api, jobs",
		},
		{
			name:            "port collision",
			environment:     validEnvironment(),
			compose:         composeWithWorker("8080"),
			expectedMessage: "host port 8080 is published by both drivegate and worker",
		},
		{
			name:            "insecure cookies",
			environment:     strings.Replace(validEnvironment(), "SECURE_COOKIES=true", "SECURE_COOKIES=false", 1),
			expectedMessage: "SECURE_COOKIES is off",
			expectWarning:   true,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		testingT.Run(testCase.name, func(testingT *testing.T) {
			directory := testingT.TempDir()
			writeFixture(testingT, directory, testEnvFileName, testCase.environment)
			compose := testCase.compose
			if compose == "" {
				compose = composeWithWorker("")
			}
			composePath := writeFixture(testingT, directory, testComposeFileName, compose)

			result := runAudit(composePath)
			messages := result.errors
			if testCase.expectWarning {
				require.True(testingT, result.ok(), result.errors)
				messages = result.warnings
			} else {
				require.False(testingT, result.ok())
			}
			require.True(testingT, containsFragment(messages, testCase.expectedMessage), "messages: %v", messages)
		})
	}
}

func TestRunAuditRequiresDriveGateService(testingT *testing.T) {
	directory := testingT.TempDir()
	composePath := writeFixture(testingT, directory, testComposeFileName, "services:\n  worker:\n    image: worker:latest\n")

	result := runAudit(composePath)
	require.False(testingT, result.ok())
	require.True(testingT, containsFragment(result.errors, "service drivegate is not defined"), result.errors)

	missing := runAudit(filepath.Join(directory, "absent.yml"))
	require.False(testingT, missing.ok())
}

func TestParseHostPort(testingT *testing.T) {
	hostPort, ok := parseHostPort(`"127.0.0.1:8080:8080"`)
	require.True(testingT, ok)
	require.Equal(testingT, "8080", hostPort)

	_, ok = parseHostPort("80a0:3000")
	require.False(testingT, ok)
	_, ok = parseHostPort("3000")
	require.False(testingT, ok)
}

func containsFragment(messages []string, fragment string) bool {
	for _, message := range messages {
		if strings.Contains(message, fragment) {
			return true
		}
	}
	return false
}
