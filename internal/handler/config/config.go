package config

import "time"

type Config struct {
	ServerAddr      string
	EventsKeepAlive time.Duration // период комментариев-пингов в потоке событий
}
