package config

import "time"

type Config struct {
	Source       string // sql | rest
	Driver       string // pgx | sqlite3
	DBDsn        string
	Migrate      bool // создать таблицу collections, если ее нет (локальная разработка)
	RestURL      string
	RestKey      string
	QueryTimeout time.Duration
}
