package store

import (
	"encoding/json"
	"fmt"
	"os"
)

// DefaultDBConfigPath is where the JSON database configuration file is
// expected unless overridden.
const DefaultDBConfigPath = "/var/run/consolelinkd/database_config.json"

// instance describes one Redis instance the database config file points at.
type instance struct {
	Hostname       string `json:"hostname"`
	Port           int    `json:"port"`
	UnixSocketPath string `json:"unix_socket_path"`
}

// database describes one logical database: which instance it lives on,
// its numeric ID within that instance, and the key separator its tables
// use.
type database struct {
	ID        int    `json:"id"`
	Separator string `json:"separator"`
	Instance  string `json:"instance"`
}

// DBConfig is the parsed form of the JSON configuration file that maps a
// logical database name (e.g. "CONFIG_DB", "STATE_DB") to a numeric Redis
// DB index, a connection target, and a key separator. spec.md §6 requires
// the core resolve this indirection through an external file rather than
// hard-code any of it.
type DBConfig struct {
	Instances map[string]instance `json:"INSTANCES"`
	Databases map[string]database `json:"DATABASES"`
}

// LoadDBConfig reads and parses the database configuration file at path.
func LoadDBConfig(path string) (*DBConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrUnavailable, path, err)
	}
	var cfg DBConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrUnavailable, path, err)
	}
	return &cfg, nil
}

// Params is the fully resolved connection information for one logical
// database name.
type Params struct {
	Name           string
	ID             int
	Separator      string
	Hostname       string
	Port           int
	UnixSocketPath string
}

// Resolve looks up dbName (e.g. "CONFIG_DB" or "STATE_DB") and returns its
// connection parameters.
func (c *DBConfig) Resolve(dbName string) (Params, error) {
	db, ok := c.Databases[dbName]
	if !ok {
		return Params{}, fmt.Errorf("%w: unknown logical database %q", ErrUnavailable, dbName)
	}
	inst, ok := c.Instances[db.Instance]
	if !ok {
		return Params{}, fmt.Errorf("%w: database %q references unknown instance %q", ErrUnavailable, dbName, db.Instance)
	}
	sep := db.Separator
	if sep == "" {
		sep = "|"
	}
	return Params{
		Name:           dbName,
		ID:             db.ID,
		Separator:      sep,
		Hostname:       inst.Hostname,
		Port:           inst.Port,
		UnixSocketPath: inst.UnixSocketPath,
	}, nil
}
