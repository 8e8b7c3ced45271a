package config

type Config struct {
	SecretKey  string // ключ подписи JWT
	CookieName string
}
