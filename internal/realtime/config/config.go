package config

import "time"

type Config struct {
	Enabled      bool
	DBDsn        string // по умолчанию - DSN хранилища
	Channel      string // канал NOTIFY
	Debounce     time.Duration
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}
