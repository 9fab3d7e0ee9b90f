// Package config implements the environment-sourced configuration described
// in section 6 of the design specification. It handles parsing and
// validation of every parameter the controller, scheduler, and HTTP façade
// require before serving.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every configuration value the daemon needs, sourced from
// environment variables in section 6. Fields are grouped by the subsystem
// that consumes them.
type Config struct {
	// Scheduler intervals.
	TickInterval            time.Duration
	RepositoryUpdateInterval time.Duration
	RepositoryTickPause      time.Duration

	// HTTP façade.
	Host string
	Port int

	// Remote submission host and account.
	SubmissionHost          string
	ServiceAccountUsername  string
	ServiceAccountPassword  string
	RemoteDirectory         string
	TicketsDirectory        string

	// Generator productions repository.
	GenRepository string

	// Authorization.
	Authorized []string

	// Template repository / storage.
	GridpackDirectory       string
	GridpackFilesPath       string
	GridpackFilesRepository string
	PublicStreamFolder      string

	// Deployment profile toggles.
	UseHTCondorCMSCAF bool
	Production        bool
	EmailAuth         bool
	Debug             bool

	// Document store.
	MongoDBHost     string
	MongoDBPort     int
	MongoDBUser     string
	MongoDBPassword string

	ServiceURL string
}

// Load reads every configuration value from the environment, applying the
// defaults named in section 6, and returns a Config ready for Validate.
func Load() *Config {
	return &Config{
		TickInterval:             durationEnv("TICK_INTERVAL", 600*time.Second),
		RepositoryUpdateInterval: durationEnv("REPOSITORY_UPDATE_INTERVAL", 1800*time.Second),
		RepositoryTickPause:      durationEnv("REPOSITORY_TICK_PAUSE", 60*time.Second),

		Host: stringEnv("HOST", "0.0.0.0"),
		Port: intEnv("PORT", 8000),

		SubmissionHost:         os.Getenv("SUBMISSION_HOST"),
		ServiceAccountUsername: os.Getenv("SERVICE_ACCOUNT_USERNAME"),
		ServiceAccountPassword: os.Getenv("SERVICE_ACCOUNT_PASSWORD"),
		RemoteDirectory:        os.Getenv("REMOTE_DIRECTORY"),
		TicketsDirectory:       os.Getenv("TICKETS_DIRECTORY"),

		GenRepository: stringEnv("GEN_REPOSITORY", "cms-sw/genproductions"),

		Authorized: splitEnv("AUTHORIZED"),

		GridpackDirectory:       os.Getenv("GRIDPACK_DIRECTORY"),
		GridpackFilesPath:       os.Getenv("GRIDPACK_FILES_PATH"),
		GridpackFilesRepository: stringEnv("GRIDPACK_FILES_REPOSITORY", "https://github.com/cms-PdmV/GridpackFiles.git"),
		PublicStreamFolder:      os.Getenv("PUBLIC_STREAM_FOLDER"),

		UseHTCondorCMSCAF: boolEnv("USE_HTCONDOR_CMS_CAF"),
		Production:        boolEnv("PRODUCTION"),
		EmailAuth:         boolEnv("EMAIL_AUTH"),
		Debug:             boolEnv("DEBUG"),

		MongoDBHost:     os.Getenv("MONGO_DB_HOST"),
		MongoDBPort:     intEnv("MONGO_DB_PORT", 27017),
		MongoDBUser:     os.Getenv("MONGO_DB_USER"),
		MongoDBPassword: os.Getenv("MONGO_DB_PASSWORD"),

		ServiceURL: os.Getenv("SERVICE_URL"),
	}
}

// Validate implements the "missing mandatory values cause process abort
// before serving" requirement from section 6. Rather than returning on the
// first failure, this collects every missing or malformed field into a
// single joined error, reporting every empty required variable at once
// rather than failing fast on the first.
func (c *Config) Validate() error {
	var problems []string

	required := map[string]string{
		"SERVICE_URL":              c.ServiceURL,
		"SUBMISSION_HOST":          c.SubmissionHost,
		"SERVICE_ACCOUNT_USERNAME": c.ServiceAccountUsername,
		"SERVICE_ACCOUNT_PASSWORD": c.ServiceAccountPassword,
		"REMOTE_DIRECTORY":         c.RemoteDirectory,
		"TICKETS_DIRECTORY":        c.TicketsDirectory,
		"GRIDPACK_DIRECTORY":       c.GridpackDirectory,
		"GRIDPACK_FILES_PATH":      c.GridpackFilesPath,
		"PUBLIC_STREAM_FOLDER":     c.PublicStreamFolder,
		"MONGO_DB_HOST":            c.MongoDBHost,
		"MONGO_DB_USER":            c.MongoDBUser,
		"MONGO_DB_PASSWORD":        c.MongoDBPassword,
	}
	for name, value := range required {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, fmt.Sprintf("%s is required", name))
		}
	}

	if len(c.Authorized) == 0 {
		problems = append(problems, "AUTHORIZED must name at least one role")
	}

	if c.TickInterval <= 0 {
		problems = append(problems, "TICK_INTERVAL must be positive")
	}
	if c.RepositoryUpdateInterval <= 0 {
		problems = append(problems, "REPOSITORY_UPDATE_INTERVAL must be positive")
	}

	if c.Port < 1 || c.Port > 65535 {
		problems = append(problems, "PORT must be between 1 and 65535")
	}
	if c.MongoDBPort < 1 || c.MongoDBPort > 65535 {
		problems = append(problems, "MONGO_DB_PORT must be between 1 and 65535")
	}

	if u, err := url.Parse(c.GridpackFilesRepository); err != nil || u.Scheme == "" {
		problems = append(problems, "GRIDPACK_FILES_REPOSITORY must be a valid URL")
	}
	if u, err := url.Parse(c.ServiceURL); c.ServiceURL != "" && (err != nil || u.Scheme == "") {
		problems = append(problems, "SERVICE_URL must be a valid URL")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

func stringEnv(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func boolEnv(name string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	return v == "1" || v == "true" || v == "yes"
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return fallback
}

func splitEnv(name string) []string {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
