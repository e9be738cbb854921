// Package config loads jobnimbus configuration from defaults, a config file,
// JOBNIMBUS_* environment variables and runtime overrides.
package config

import (
	"time"

	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/jobstore/sqlstore"
	"github.com/3leaps/jobnimbus/pkg/launcher"
	"github.com/3leaps/jobnimbus/pkg/transfer"
	"github.com/3leaps/jobnimbus/pkg/transfer/local"
	"github.com/3leaps/jobnimbus/pkg/transfer/mount"
	"github.com/3leaps/jobnimbus/pkg/transfer/s3"
)

// Store drivers beyond the SQL ones.
const StoreDriverMemory = "memory"

// Config is the full application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Store    StoreConfig    `mapstructure:"store"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Staging  StagingConfig  `mapstructure:"staging"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Launcher LauncherConfig `mapstructure:"launcher"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StoreConfig selects the job store. Driver is memory, sqlite, libsql or mysql.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	DSN       string `mapstructure:"dsn"`
}

// SQL returns the sqlstore configuration.
func (c StoreConfig) SQL() sqlstore.Config {
	return sqlstore.Config{
		Driver:    c.Driver,
		Path:      c.Path,
		URL:       c.URL,
		AuthToken: c.AuthToken,
		DSN:       c.DSN,
	}
}

type SandboxConfig struct {
	Root string `mapstructure:"root"`
}

type TransferConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	RateLimit float64       `mapstructure:"rate_limit"`
	Retries   int           `mapstructure:"retries"`
	Local     LocalConfig   `mapstructure:"local"`
	Mount     MountConfig   `mapstructure:"mount"`
	S3        S3Config      `mapstructure:"s3"`
}

// Resolver returns the resolver configuration; the observer is wired by the
// caller.
func (c TransferConfig) Resolver() transfer.ResolverConfig {
	return transfer.ResolverConfig{
		Timeout:   c.Timeout,
		RateLimit: c.RateLimit,
		Retries:   c.Retries,
	}
}

type LocalConfig struct {
	Allow []string `mapstructure:"allow"`
}

func (c LocalConfig) Backend() local.Config {
	return local.Config{Allow: c.Allow}
}

// MountConfig enables the mounted-filesystem backend when Root is set.
type MountConfig struct {
	Root    string   `mapstructure:"root"`
	Schemes []string `mapstructure:"schemes"`
	Hosts   []string `mapstructure:"hosts"`
}

func (c MountConfig) Enabled() bool {
	return c.Root != ""
}

func (c MountConfig) Backend() mount.Config {
	return mount.Config{Root: c.Root, Schemes: c.Schemes, Hosts: c.Hosts}
}

type S3Config struct {
	Enabled         bool   `mapstructure:"enabled"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
	IMDSRegion      bool   `mapstructure:"imds_region"`
}

func (c S3Config) Backend() s3.Config {
	return s3.Config{
		Region:          c.Region,
		Endpoint:        c.Endpoint,
		Profile:         c.Profile,
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		ForcePathStyle:  c.ForcePathStyle,
		IMDSRegion:      c.IMDSRegion,
	}
}

type StagingConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

type JobsConfig struct {
	MaxListLimit int            `mapstructure:"max_list_limit"`
	Clusters     []jobs.Cluster `mapstructure:"clusters"`
	ClustersFile string         `mapstructure:"clusters_file"`
}

// Catalog returns the cluster catalog: ClustersFile entries first, then the
// inline clusters.
func (c JobsConfig) Catalog() (jobs.Catalog, error) {
	var cat jobs.Catalog
	if c.ClustersFile != "" {
		fromFile, err := jobs.LoadCatalog(c.ClustersFile)
		if err != nil {
			return nil, err
		}
		cat = append(cat, fromFile...)
	}
	cat = append(cat, c.Clusters...)
	if err := cat.Validate(); err != nil {
		return nil, err
	}
	return cat, nil
}

type LauncherConfig struct {
	Kind      string        `mapstructure:"kind"`
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

func (c LauncherConfig) Launcher() launcher.Config {
	return launcher.Config{Kind: c.Kind, KillGrace: c.KillGrace}
}
