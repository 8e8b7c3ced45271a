package config

import "time"

type Config struct {
	Role        string        // customer | collector | any
	SoftTimeout time.Duration // после него отдается устаревший кошелек, если он есть
	HardTimeout time.Duration // предел одного расчета
	RetryDelay  time.Duration // пауза перед повтором упавшего расчета
}
