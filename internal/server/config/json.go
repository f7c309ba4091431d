package config

import (
	"encoding/json"
	"os"

	"github.com/parsec-cloud/parsec-server/internal/flagx"
	"github.com/parsec-cloud/parsec-server/internal/server/blockstore"
	"github.com/parsec-cloud/parsec-server/internal/timex"
)

// JsonConfig is the DTO for the JSON configuration file. Interval fields
// use timex.Duration so both "30s" strings and integer nanoseconds parse.
// Pointer fields distinguish "absent" from zero so the overlay only
// touches keys present in the file.
type JsonConfig struct {
	ServerAddr          *string `json:"server_addr"`
	AdministrationToken *string `json:"administration_token"`
	SecretKey           *string `json:"secret_key"`

	DBType      *string `json:"db_type"`
	DatabaseDSN *string `json:"database_dsn"`
	DBMinConn   *int    `json:"db_min_conn"`
	DBMaxConn   *int    `json:"db_max_conn"`

	Blockstore *blockstore.Config `json:"blockstore"`

	SSEKeepalive       *timex.Duration `json:"sse_keepalive"`
	SSEEventsCacheSize *int            `json:"sse_events_cache_size"`

	EmailSMTPAddr *string `json:"email_smtp_addr"`
	EmailSender   *string `json:"email_sender"`
	EmailUseTLS   *bool   `json:"email_use_tls"`

	ForwardProtoEnforceHTTPS *bool `json:"forward_proto_enforce_https"`

	OrganizationBootstrapWebhookURL               *string         `json:"organization_bootstrap_webhook_url"`
	OrganizationSpontaneousBootstrap              *bool           `json:"organization_spontaneous_bootstrap"`
	OrganizationInitialActiveUsersLimit           *int            `json:"organization_initial_active_users_limit"`
	OrganizationInitialUserProfileOutsiderAllowed *bool           `json:"organization_initial_user_profile_outsider_allowed"`
	OrganizationInitialMinimumArchivingPeriod     *timex.Duration `json:"organization_initial_minimum_archiving_period"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance. The file path comes from the -c/-config flags; when
// neither is set no file is loaded. Read or parse failures panic: a
// broken config file must not let the server start half-configured.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.ServerAddr != nil {
		config.ServerAddr = *c.ServerAddr
	}
	if c.AdministrationToken != nil {
		config.AdministrationToken = *c.AdministrationToken
	}
	if c.SecretKey != nil {
		config.SecretKey = *c.SecretKey
	}
	if c.DBType != nil {
		config.DBType = *c.DBType
	}
	if c.DatabaseDSN != nil {
		config.DatabaseDSN = *c.DatabaseDSN
	}
	if c.DBMinConn != nil {
		config.DBMinConn = *c.DBMinConn
	}
	if c.DBMaxConn != nil {
		config.DBMaxConn = *c.DBMaxConn
	}
	if c.Blockstore != nil {
		config.Blockstore = *c.Blockstore
	}
	if c.SSEKeepalive != nil {
		config.SSEKeepalive = c.SSEKeepalive.Duration
	}
	if c.SSEEventsCacheSize != nil {
		config.SSEEventsCacheSize = *c.SSEEventsCacheSize
	}
	if c.EmailSMTPAddr != nil {
		config.Email.SMTPAddr = *c.EmailSMTPAddr
	}
	if c.EmailSender != nil {
		config.Email.Sender = *c.EmailSender
	}
	if c.EmailUseTLS != nil {
		config.Email.UseTLS = *c.EmailUseTLS
	}
	if c.ForwardProtoEnforceHTTPS != nil {
		config.ForwardProtoEnforceHTTPS = *c.ForwardProtoEnforceHTTPS
	}
	if c.OrganizationBootstrapWebhookURL != nil {
		config.OrganizationBootstrapWebhookURL = *c.OrganizationBootstrapWebhookURL
	}
	if c.OrganizationSpontaneousBootstrap != nil {
		config.OrganizationSpontaneousBootstrap = *c.OrganizationSpontaneousBootstrap
	}
	if c.OrganizationInitialActiveUsersLimit != nil {
		config.OrganizationInitialActiveUsersLimit = c.OrganizationInitialActiveUsersLimit
	}
	if c.OrganizationInitialUserProfileOutsiderAllowed != nil {
		config.OrganizationInitialUserProfileOutsiderAllowed = *c.OrganizationInitialUserProfileOutsiderAllowed
	}
	if c.OrganizationInitialMinimumArchivingPeriod != nil {
		config.OrganizationInitialMinimumArchivingPeriod = c.OrganizationInitialMinimumArchivingPeriod.Duration
	}
}
