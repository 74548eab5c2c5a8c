package config

// ConfigBackend abstracts where non-secret config keys are persisted. The
// file backend is the only production implementation; tests use a map.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
