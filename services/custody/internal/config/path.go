package config

// ConfigPath is the default config file location, relative to the
// service working directory.
const ConfigPath = "services/custody/config.yaml"
