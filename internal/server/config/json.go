package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/filevault/internal/flagx"
	"github.com/dmitrijs2005/filevault/internal/timex"
)

// JsonConfig is the on-disk shape of the config file. Durations go through
// timex.Duration so both "90s" and integer nanoseconds are accepted.
// Absent keys leave the current value untouched.
type JsonConfig struct {
	EndpointAddrHTTP            string          `json:"endpoint_addr_http"`
	EndpointAddrGRPC            string          `json:"endpoint_addr_grpc"`
	DatabaseDSN                 string          `json:"database_dsn"`
	SecretKey                   string          `json:"secret_key"`
	AccessTokenValidityDuration *timex.Duration `json:"access_token_validity_duration"`
	StorageRoot                 string          `json:"storage_root"`
	MasterKey                   string          `json:"master_key"`
	KeyContext                  string          `json:"key_context"`
	WorkerInterval              *timex.Duration `json:"worker_interval"`
	LoginURL                    string          `json:"login_url"`
	PublicBaseURL               string          `json:"public_base_url"`
	StrictAuthOrder             *bool           `json:"strict_auth_order"`
	FailedSourceRetention       *timex.Duration `json:"failed_source_retention"`
	S3RootUser                  string          `json:"s3_root_user"`
	S3RootPassword              string          `json:"s3_root_password"`
	S3Bucket                    string          `json:"s3_bucket"`
	S3Region                    string          `json:"s3_region"`
	S3BaseEndpoint              string          `json:"s3_base_endpoint"`
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// ApplyJSONFile overlays the JSON file at path onto config.
func ApplyJSONFile(config *Config, path string) error {
	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&config.EndpointAddrHTTP, c.EndpointAddrHTTP)
	setString(&config.EndpointAddrGRPC, c.EndpointAddrGRPC)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.SecretKey, c.SecretKey)
	setString(&config.StorageRoot, c.StorageRoot)
	setString(&config.MasterKey, c.MasterKey)
	setString(&config.KeyContext, c.KeyContext)
	setString(&config.LoginURL, c.LoginURL)
	setString(&config.PublicBaseURL, c.PublicBaseURL)
	setString(&config.S3RootUser, c.S3RootUser)
	setString(&config.S3RootPassword, c.S3RootPassword)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)

	if c.AccessTokenValidityDuration != nil {
		config.AccessTokenValidityDuration = c.AccessTokenValidityDuration.Duration
	}
	if c.WorkerInterval != nil {
		config.WorkerInterval = c.WorkerInterval.Duration
	}
	if c.FailedSourceRetention != nil {
		config.FailedSourceRetention = c.FailedSourceRetention.Duration
	}
	if c.StrictAuthOrder != nil {
		config.StrictAuthOrder = *c.StrictAuthOrder
	}
	return nil
}

// parseJson loads the file named by -c/-config (or FILEVAULT_CONFIG).
// Nothing happens when neither is set. An unreadable or invalid file panics.
func parseJson(config *Config) {
	jsonConfigFile := flagx.ConfigPath()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	if err := ApplyJSONFile(config, jsonConfigFile); err != nil {
		panic(err)
	}
}
