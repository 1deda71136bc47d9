package config

import (
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	DBDSN    string
	HTTPAddr string

	// Resend (outbound mail)
	ResendAPIKey  string
	ResendBaseURL string

	// rabbitMQ (email job queue); empty URL disables publishing
	RabbitURL   string
	RabbitQueue string

	// redis (send-email receipts); empty addr disables the receipt store
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// worker
	AgentProcessor    string
	WorkerConcurrency int
}

func Load() Config {
	// DSN demo:
	// app:apppass@tcp(127.0.0.1:3306)/freightdesk?charset=utf8mb4&parseTime=true&loc=Local
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=true&loc=Local",
			"app", "apppass", "127.0.0.1", "3306", "freightdesk",
		)
	}

	httpAddr := os.Getenv("HTTP_ADDR")
	if httpAddr == "" {
		httpAddr = ":8080"
	}

	resendBaseURL := os.Getenv("RESEND_BASE_URL")
	if resendBaseURL == "" {
		resendBaseURL = "https://api.resend.com"
	}

	rabbitQueue := os.Getenv("RABBIT_QUEUE")
	if rabbitQueue == "" {
		rabbitQueue = "freight_emails"
	}

	redisDB := 0
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			redisDB = n
		}
	}

	processor := os.Getenv("AGENT_PROCESSOR")
	if processor == "" {
		processor = "log"
	}

	concurrency := 2
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			concurrency = n
		}
	}
	if concurrency > 50 {
		concurrency = 50
	}

	return Config{
		DBDSN:    dsn,
		HTTPAddr: httpAddr,

		ResendAPIKey:  os.Getenv("RESEND_API_KEY"),
		ResendBaseURL: resendBaseURL,

		RabbitURL:   os.Getenv("RABBIT_URL"),
		RabbitQueue: rabbitQueue,

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		AgentProcessor:    processor,
		WorkerConcurrency: concurrency,
	}
}
