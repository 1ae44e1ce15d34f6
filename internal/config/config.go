package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the triage service.
type Config struct {
	Env          string             `yaml:"env"`
	Mail         MailConfig         `yaml:"mail"`
	Database     DatabaseConfig     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	Blob         BlobConfig         `yaml:"blob"`
	Routing      RoutingConfig      `yaml:"routing"`
	Autoresponse AutoresponseConfig `yaml:"autoresponse"`
	Poll         PollConfig         `yaml:"poll"`
	Report       ReportConfig       `yaml:"report"`
	Redis        RedisConfig        `yaml:"redis"`
	Ops          OpsConfig          `yaml:"ops"`

	// FolderMappings maps an environment name (DEV/SIT/UAT/PREPROD/PROD)
	// to its email-address → template-folder table.
	FolderMappings map[string]map[string]string `yaml:"folder_mappings"`

	// SubjectMap maps a template folder to the autoresponse subject line.
	SubjectMap map[string]string `yaml:"subject_map"`
}

// MailConfig holds the Graph API identity and mailbox settings.
type MailConfig struct {
	ClientID       string   `yaml:"client_id"`
	TenantID       string   `yaml:"tenant_id"`
	ClientSecret   string   `yaml:"client_secret"`
	Accounts       []string `yaml:"accounts"`
	DefaultAccount string   `yaml:"default_account"`
	CCExclusion    []string `yaml:"cc_exclusion"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Timeout returns the mail transport timeout.
func (c MailConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig holds the audit database connection settings.
type DatabaseConfig struct {
	Server   string `yaml:"server"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// DSN composes a lib/pq connection string from the SQL_* settings.
func (c DatabaseConfig) DSN() string {
	host := c.Server
	port := "5432"
	if h, p, ok := strings.Cut(c.Server, ","); ok {
		host, port = h, p
	} else if h, p, ok := strings.Cut(c.Server, ":"); ok {
		host, port = h, p
	}
	ssl := c.SSLMode
	if ssl == "" {
		ssl = "require"
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		host, port, c.Database, c.Username, c.Password, ssl)
}

// LLMConfig holds Azure OpenAI endpoints, deployments and token pricing.
type LLMConfig struct {
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	BackupAPIKey   string `yaml:"backup_api_key"`
	BackupEndpoint string `yaml:"backup_endpoint"`
	APIVersion     string `yaml:"api_version"`
	PrimaryModel   string `yaml:"primary_model"`
	CheapModel     string `yaml:"cheap_model"`

	// USD per 1K tokens; overridden at startup from the model_costs table
	// when rows exist for the configured deployments.
	PrimaryPromptRate     float64 `yaml:"primary_prompt_rate"`
	PrimaryCompletionRate float64 `yaml:"primary_completion_rate"`
	PrimaryCachedRate     float64 `yaml:"primary_cached_rate"`
	CheapPromptRate       float64 `yaml:"cheap_prompt_rate"`
	CheapCompletionRate   float64 `yaml:"cheap_completion_rate"`
	CheapCachedRate       float64 `yaml:"cheap_cached_rate"`
}

// BlobConfig holds the template blob store settings.
type BlobConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
	PublicURL        string `yaml:"public_url"`
}

// RoutingConfig holds one destination mailbox per department plus the
// policy-services default used by the consolidation-bin override.
type RoutingConfig struct {
	Amendments         string `yaml:"amendments"`
	Assist             string `yaml:"assist"`
	VehicleTracking    string `yaml:"vehicle_tracking"`
	BadService         string `yaml:"bad_service"`
	Claims             string `yaml:"claims"`
	RefundRequest      string `yaml:"refund_request"`
	DocumentRequest    string `yaml:"document_request"`
	OnlineApp          string `yaml:"online_app"`
	Retentions         string `yaml:"retentions"`
	RequestForQuote    string `yaml:"request_for_quote"`
	DebitOrderSwitch   string `yaml:"debit_order_switch"`
	PreviousInsurance  string `yaml:"previous_insurance"`
	Other              string `yaml:"other"`
	PolicyServices     string `yaml:"policy_services"`
}

// AutoresponseConfig holds loop-guard inputs and autoresponse identity.
type AutoresponseConfig struct {
	// Accounts are the addresses autoresponses are sent from; replying to
	// or from any of them is suppressed.
	Accounts        []string `yaml:"accounts"`
	CorporateDomain string   `yaml:"corporate_domain"`
	DefaultSubject  string   `yaml:"default_subject"`
}

// PollConfig holds batch-loop timing.
type PollConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	GroupSize       int `yaml:"group_size"`
	RetrySweepLoops int `yaml:"retry_sweep_loops"`
}

// Interval returns the polling interval.
func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// ReportConfig holds daily-report settings.
type ReportConfig struct {
	Recipients []string `yaml:"recipients"`
	TestPrefix string   `yaml:"test_prefix"`
	SendHour   int      `yaml:"send_hour"`
}

// RedisConfig holds the optional poller-lease backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// OpsConfig holds the operational HTTP listener settings.
type OpsConfig struct {
	Port int `yaml:"port"`
}

// ValidEnvs lists the recognised ENV_TYPE values.
var ValidEnvs = []string{"DEV", "SIT", "UAT", "PREPROD", "PROD"}

// Load reads and parses the configuration file, applying defaults.
// A missing file is not an error; all settings can come from env vars.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Defaults
	if cfg.Env == "" {
		cfg.Env = "DEV"
	}
	if cfg.Mail.TimeoutSeconds == 0 {
		cfg.Mail.TimeoutSeconds = 30
	}
	if cfg.Poll.IntervalSeconds == 0 {
		cfg.Poll.IntervalSeconds = 30
	}
	if cfg.Poll.GroupSize == 0 {
		cfg.Poll.GroupSize = 3
	}
	if cfg.Poll.RetrySweepLoops == 0 {
		cfg.Poll.RetrySweepLoops = 5
	}
	if cfg.LLM.APIVersion == "" {
		cfg.LLM.APIVersion = "2024-08-01-preview"
	}
	if cfg.LLM.PrimaryModel == "" {
		cfg.LLM.PrimaryModel = "gpt-4o"
	}
	if cfg.LLM.CheapModel == "" {
		cfg.LLM.CheapModel = "gpt-4o-mini"
	}
	if cfg.LLM.PrimaryPromptRate == 0 {
		cfg.LLM.PrimaryPromptRate = 0.0025
	}
	if cfg.LLM.PrimaryCompletionRate == 0 {
		cfg.LLM.PrimaryCompletionRate = 0.01
	}
	if cfg.LLM.PrimaryCachedRate == 0 {
		cfg.LLM.PrimaryCachedRate = 0.00125
	}
	if cfg.LLM.CheapPromptRate == 0 {
		cfg.LLM.CheapPromptRate = 0.00015
	}
	if cfg.LLM.CheapCompletionRate == 0 {
		cfg.LLM.CheapCompletionRate = 0.0006
	}
	if cfg.LLM.CheapCachedRate == 0 {
		cfg.LLM.CheapCachedRate = 0.000075
	}
	if cfg.Autoresponse.DefaultSubject == "" {
		cfg.Autoresponse.DefaultSubject = "Thank you for contacting us"
	}
	if cfg.Report.TestPrefix == "" {
		cfg.Report.TestPrefix = "[UAT TEST]"
	}
	if cfg.Report.SendHour == 0 {
		cfg.Report.SendHour = 6
	}
	if cfg.Ops.Port == 0 {
		cfg.Ops.Port = 8085
	}
	if cfg.FolderMappings == nil {
		cfg.FolderMappings = map[string]map[string]string{}
	}
	if cfg.SubjectMap == nil {
		cfg.SubjectMap = map[string]string{}
	}

	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars on the container platform.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("ENV_TYPE"); v != "" {
		cfg.Env = strings.ToUpper(v)
	}

	// Mail identity
	if v := os.Getenv("CLIENT_ID"); v != "" {
		cfg.Mail.ClientID = v
	}
	if v := os.Getenv("TENANT_ID"); v != "" {
		cfg.Mail.TenantID = v
	}
	if v := os.Getenv("CLIENT_SECRET"); v != "" {
		cfg.Mail.ClientSecret = v
	}
	if v := os.Getenv("EMAIL_ACCOUNTS"); v != "" {
		cfg.Mail.Accounts = splitList(v)
	}
	if v := os.Getenv("DEFAULT_EMAIL_ACCOUNT"); v != "" {
		cfg.Mail.DefaultAccount = v
	}
	if v := os.Getenv("CC_EXCLUSION_LIST"); v != "" {
		cfg.Mail.CCExclusion = splitList(v)
	}

	// Database
	if v := os.Getenv("SQL_SERVER"); v != "" {
		cfg.Database.Server = v
	}
	if v := os.Getenv("SQL_DATABASE"); v != "" {
		cfg.Database.Database = v
	}
	if v := os.Getenv("SQL_USERNAME"); v != "" {
		cfg.Database.Username = v
	}
	if v := os.Getenv("SQL_PASSWORD"); v != "" {
		cfg.Database.Password = v
	}

	// LLM
	if v := os.Getenv("AZURE_OPENAI_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("AZURE_OPENAI_ENDPOINT"); v != "" {
		cfg.LLM.Endpoint = v
	}
	if v := os.Getenv("AZURE_OPENAI_BACKUP_KEY"); v != "" {
		cfg.LLM.BackupAPIKey = v
	}
	if v := os.Getenv("AZURE_OPENAI_BACKUP_ENDPOINT"); v != "" {
		cfg.LLM.BackupEndpoint = v
	}

	// Blob
	if v := os.Getenv("AZURE_STORAGE_CONNECTION_STRING"); v != "" {
		cfg.Blob.ConnectionString = v
	}
	if v := os.Getenv("BLOB_CONTAINER_NAME"); v != "" {
		cfg.Blob.Container = v
	}
	if v := os.Getenv("AZURE_STORAGE_PUBLIC_URL"); v != "" {
		cfg.Blob.PublicURL = v
	}

	// Routing mailboxes, one variable per department
	routing := map[string]*string{
		"MAILBOX_AMENDMENTS":         &cfg.Routing.Amendments,
		"MAILBOX_ASSIST":             &cfg.Routing.Assist,
		"MAILBOX_VEHICLE_TRACKING":   &cfg.Routing.VehicleTracking,
		"MAILBOX_BAD_SERVICE":        &cfg.Routing.BadService,
		"MAILBOX_CLAIMS":             &cfg.Routing.Claims,
		"MAILBOX_REFUND_REQUEST":     &cfg.Routing.RefundRequest,
		"MAILBOX_DOCUMENT_REQUEST":   &cfg.Routing.DocumentRequest,
		"MAILBOX_ONLINE_APP":         &cfg.Routing.OnlineApp,
		"MAILBOX_RETENTIONS":         &cfg.Routing.Retentions,
		"MAILBOX_REQUEST_FOR_QUOTE":  &cfg.Routing.RequestForQuote,
		"MAILBOX_DEBIT_ORDER_SWITCH": &cfg.Routing.DebitOrderSwitch,
		"MAILBOX_PREVIOUS_INSURANCE": &cfg.Routing.PreviousInsurance,
		"MAILBOX_OTHER":              &cfg.Routing.Other,
		"POLICY_SERVICES":            &cfg.Routing.PolicyServices,
	}
	for env, dst := range routing {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}

	// Autoresponse / loop guard
	if v := os.Getenv("AUTORESPONSE_ACCOUNTS"); v != "" {
		cfg.Autoresponse.Accounts = splitList(v)
	}
	if v := os.Getenv("CORPORATE_DOMAIN"); v != "" {
		cfg.Autoresponse.CorporateDomain = v
	}

	// Batch loop
	if v := os.Getenv("EMAIL_FETCH_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Poll.IntervalSeconds = n
		}
	}
	if v := os.Getenv("EMAIL_GROUP_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Poll.GroupSize = n
		}
	}

	// Report
	if v := os.Getenv("REPORT_RECIPIENTS"); v != "" {
		cfg.Report.Recipients = splitList(v)
	}

	// Optional poller lease
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("OPS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Ops.Port = n
		}
	}

	// Graph's concurrent-request limit caps the group size at 4.
	if cfg.Poll.GroupSize > 4 {
		cfg.Poll.GroupSize = 4
	}

	return cfg, nil
}

// Validate reports every missing required setting. A non-nil error is
// fatal at startup.
func (c *Config) Validate() error {
	var missing []string

	if c.Mail.ClientID == "" {
		missing = append(missing, "CLIENT_ID")
	}
	if c.Mail.TenantID == "" {
		missing = append(missing, "TENANT_ID")
	}
	if c.Mail.ClientSecret == "" {
		missing = append(missing, "CLIENT_SECRET")
	}
	if len(c.Mail.Accounts) == 0 {
		missing = append(missing, "EMAIL_ACCOUNTS")
	}
	if c.Mail.DefaultAccount == "" {
		missing = append(missing, "DEFAULT_EMAIL_ACCOUNT")
	}
	if c.Database.Server == "" {
		missing = append(missing, "SQL_SERVER")
	}
	if c.Database.Database == "" {
		missing = append(missing, "SQL_DATABASE")
	}
	if c.Database.Username == "" {
		missing = append(missing, "SQL_USERNAME")
	}
	if c.Database.Password == "" {
		missing = append(missing, "SQL_PASSWORD")
	}
	if c.LLM.APIKey == "" {
		missing = append(missing, "AZURE_OPENAI_KEY")
	}
	if c.LLM.Endpoint == "" {
		missing = append(missing, "AZURE_OPENAI_ENDPOINT")
	}
	if c.Routing.PolicyServices == "" {
		missing = append(missing, "POLICY_SERVICES")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	valid := false
	for _, e := range ValidEnvs {
		if c.Env == e {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid ENV_TYPE %q (want one of %s)", c.Env, strings.Join(ValidEnvs, "/"))
	}

	return nil
}

// FolderMapping returns the address → template-folder table for the
// active environment. Lookup keys are lower-cased at load time.
func (c *Config) FolderMapping() map[string]string {
	m := c.FolderMappings[c.Env]
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// RoutingTable returns the category → destination mailbox map consumed by
// the router. Departments without a configured mailbox are omitted so the
// router falls back to the original recipient.
func (c *Config) RoutingTable() map[string]string {
	all := map[string]string{
		"amendments":                        c.Routing.Amendments,
		"assist":                            c.Routing.Assist,
		"vehicle tracking":                  c.Routing.VehicleTracking,
		"bad service/experience":            c.Routing.BadService,
		"claims":                            c.Routing.Claims,
		"refund request":                    c.Routing.RefundRequest,
		"document request":                  c.Routing.DocumentRequest,
		"online/app":                        c.Routing.OnlineApp,
		"retentions":                        c.Routing.Retentions,
		"request for quote":                 c.Routing.RequestForQuote,
		"debit order switch":                c.Routing.DebitOrderSwitch,
		"previous insurance checks/queries": c.Routing.PreviousInsurance,
		"other":                             c.Routing.Other,
	}
	out := make(map[string]string, len(all))
	for k, v := range all {
		if v != "" {
			out[k] = v
		}
	}
	return out
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
