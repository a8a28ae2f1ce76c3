package config

// ConfigBackend is where `scatterbrain config set` persists non-secret keys
// between runs. Values are read back through the keySpec table, which owns
// parsing, so a backend only needs string and int storage.
//
// On macOS keys live in the app.scatterbrain defaults domain; elsewhere in
// $XDG_CONFIG_HOME/scatterbrain/config.json.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	// Delete removes key so the default or env value applies again.
	Delete(key string) error
}
