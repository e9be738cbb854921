package config

import (
	"github.com/spf13/viper"

	"github.com/3leaps/jobnimbus/pkg/jobs"
	"github.com/3leaps/jobnimbus/pkg/launcher"
)

// SetDefaults registers every default on v. Durations are strings so that
// they read back the way a config file would spell them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)

	v.SetDefault("health.enabled", true)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.dsn", "")

	v.SetDefault("sandbox.root", "")

	v.SetDefault("transfer.timeout", "5m")
	v.SetDefault("transfer.rate_limit", 0)
	v.SetDefault("transfer.retries", 2)
	v.SetDefault("transfer.local.allow", []string{})
	v.SetDefault("transfer.mount.root", "")
	v.SetDefault("transfer.mount.schemes", []string{"hdfs"})
	v.SetDefault("transfer.mount.hosts", []string{})
	v.SetDefault("transfer.s3.enabled", true)
	v.SetDefault("transfer.s3.region", "")
	v.SetDefault("transfer.s3.endpoint", "")
	v.SetDefault("transfer.s3.profile", "")
	v.SetDefault("transfer.s3.access_key_id", "")
	v.SetDefault("transfer.s3.secret_access_key", "")
	v.SetDefault("transfer.s3.force_path_style", false)
	v.SetDefault("transfer.s3.imds_region", false)

	v.SetDefault("staging.concurrency", 4)

	v.SetDefault("jobs.max_list_limit", jobs.DefaultMaxListLimit)
	v.SetDefault("jobs.clusters_file", "")

	v.SetDefault("launcher.kind", launcher.KindProcess)
	v.SetDefault("launcher.kill_grace", launcher.DefaultKillGrace.String())
}
