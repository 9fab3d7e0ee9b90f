package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		TickInterval:             10 * time.Minute,
		RepositoryUpdateInterval: 30 * time.Minute,
		RepositoryTickPause:      time.Minute,
		Host:                     "0.0.0.0",
		Port:                     8000,
		SubmissionHost:           "lxplus.cern.ch",
		ServiceAccountUsername:   "pdmvserv",
		ServiceAccountPassword:   "secret",
		RemoteDirectory:          "gridpacks",
		TicketsDirectory:         "tickets",
		GenRepository:            "cms-sw/genproductions",
		Authorized:               []string{"generator_contact"},
		GridpackDirectory:        "/eos/cms/store/group/phys_generator/cvmfs/gridpacks/PdmV",
		GridpackFilesPath:        "/afs/cern.ch/work/p/pdmvserv/GridpackFiles",
		GridpackFilesRepository:  "https://github.com/cms-PdmV/GridpackFiles.git",
		PublicStreamFolder:       "/eos/cms/store/group/phys_generator/public",
		MongoDBHost:              "localhost",
		MongoDBPort:              27017,
		MongoDBUser:              "gridpack",
		MongoDBPassword:          "secret",
		ServiceURL:               "https://gridpacks.cern.ch",
	}
}

func TestValidConfig(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config to pass validation, got: %v", err)
	}
}

func TestMissingRequiredFields(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing submission host", func(c *Config) { c.SubmissionHost = "" }},
		{"missing service account username", func(c *Config) { c.ServiceAccountUsername = "" }},
		{"missing service account password", func(c *Config) { c.ServiceAccountPassword = "" }},
		{"missing remote directory", func(c *Config) { c.RemoteDirectory = "" }},
		{"missing tickets directory", func(c *Config) { c.TicketsDirectory = "" }},
		{"missing gridpack directory", func(c *Config) { c.GridpackDirectory = "" }},
		{"missing gridpack files path", func(c *Config) { c.GridpackFilesPath = "" }},
		{"missing public stream folder", func(c *Config) { c.PublicStreamFolder = "" }},
		{"missing mongo host", func(c *Config) { c.MongoDBHost = "" }},
		{"missing mongo user", func(c *Config) { c.MongoDBUser = "" }},
		{"missing mongo password", func(c *Config) { c.MongoDBPassword = "" }},
		{"missing service url", func(c *Config) { c.ServiceURL = "" }},
		{"empty authorized set", func(c *Config) { c.Authorized = nil }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestMultipleMissingFieldsReportedTogether(t *testing.T) {
	cfg := validConfig()
	cfg.SubmissionHost = ""
	cfg.MongoDBHost = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !contains(msg, "SUBMISSION_HOST") || !contains(msg, "MONGO_DB_HOST") {
		t.Errorf("expected error to mention both missing fields, got: %s", msg)
	}
}

func TestInvalidIntervals(t *testing.T) {
	testCases := []time.Duration{0, -time.Second}
	for _, d := range testCases {
		cfg := validConfig()
		cfg.TickInterval = d
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for tick interval %v", d)
		}
	}
}

func TestInvalidPorts(t *testing.T) {
	testCases := []int{0, -1, 70000}
	for _, port := range testCases {
		cfg := validConfig()
		cfg.Port = port
		if err := cfg.Validate(); err == nil {
			t.Errorf("expected error for port %d", port)
		}
	}
}

func TestInvalidServiceURL(t *testing.T) {
	cfg := validConfig()
	cfg.ServiceURL = "not a url"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for malformed service URL")
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
