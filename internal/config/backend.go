package config

// ConfigBackend stores non-secret settings between runs. The darwin build
// keeps them in the user defaults domain; other platforms use a JSON file
// under $XDG_CONFIG_HOME. ok is false when the key has never been set.
type ConfigBackend interface {
	GetString(key string) (val string, ok bool, err error)
	GetInt(key string) (val int, ok bool, err error)
	SetString(key, val string) error
	SetInt(key string, val int) error
	Delete(key string) error
}
