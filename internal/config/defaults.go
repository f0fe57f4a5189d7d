package config

import "time"

// Defaults returns a conservative starting Config, mirroring
// pkg/config.DefaultConfig's role of giving every caller a safe baseline
// before any file or environment layer is applied.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Environment: "development",
			ListenAddr:  "127.0.0.1:8443",
			HTTPAddr:    "127.0.0.1:8080",
			IdleTimeout: 5 * time.Minute,
		},
		Capability: CapabilityConfig{
			TokenDuration: time.Hour,
		},
		Agent: AgentConfig{
			MaxErrors:   5,
			MaxRestarts: 3,
			TaskTimeout: 2 * time.Minute,
		},
		Worker: WorkerConfig{
			Runtime: "local",
			Docker: DockerConfig{
				ReadOnly:        true,
				NoNewPrivileges: true,
				CapDrop:         true,
				PidsLimit:       256,
				StorageQuotaMB:  512,
				TmpfsSizeMB:     64,
			},
		},
		Hardening: HardeningConfig{},
		Log: LogConfig{
			Level: "info",
		},
		Database: DatabaseConfig{
			SSL: true,
		},
		Cluster: ClusterConfig{
			DataDir: "./data/cluster",
		},
		Policy: PolicyConfig{
			Preset: "ask",
		},
	}
}
