package config

// ApplyDefaults sets sensible default values on the given Config.
// Values present in the YAML file overwrite these during unmarshalling.
func ApplyDefaults(cfg *Config) {
	// --- Log ---
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	// --- Server ---
	cfg.Server.ListenAddress = ":8080"
	cfg.Server.Webhook.QueueSize = 256
	cfg.Server.Webhook.Workers = 2

	// --- Backend ---
	cfg.Backend.Driver = DriverMemory
	cfg.Backend.SQLitePath = "estatesync.db"
	cfg.Backend.Hasura.ChangeColumn = "updated_at"
	cfg.Backend.Hasura.IDType = "String"
	cfg.Backend.MaxRequestsPerSecond = 20
	cfg.Backend.BurstRequestsPerSecond = 40
	cfg.Backend.RequestTimeoutSeconds = 30

	// --- Redis ---
	cfg.Redis.Channel = "estatesync:changes"

	// --- Sync ---
	cfg.Sync.DebounceMillis = 25
	cfg.Sync.ReconnectMinMillis = 250
	cfg.Sync.ReconnectMaxMillis = 30000
	cfg.Sync.StatsIntervalSeconds = 60
	cfg.Sync.ResyncIntervalSeconds = 300
}

// DefaultStores keeps every dashboard collection active.
func DefaultStores() []StoreConfig {
	return []StoreConfig{
		{Resource: "property"},
		{Resource: "bill"},
		{Resource: "staff"},
		{Resource: "repair"},
	}
}
