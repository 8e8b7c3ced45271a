package config

type Config struct {
	LogLevel string // debug | info | warn | error
}
