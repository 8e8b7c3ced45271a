package config

import "time"

type Config struct {
	TTL time.Duration // окно свежести кошелька
}
