package config

type Storage struct{}

var _ StorageConfig = Storage{}

// GetRedisAddr returns the Redis address for shared passcode cooldowns. An empty value
// keeps cooldowns in process memory.
func (Storage) GetRedisAddr() string {
	return GetEnv("REDIS_ADDR", "")
}

// GetDatabaseURL returns the PostgreSQL DSN for the profile store. An empty value keeps
// profiles in process memory.
func (Storage) GetDatabaseURL() string {
	return GetEnv("DATABASE_URL", "")
}
