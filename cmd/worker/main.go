package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/go2irl/freightdesk/internal/agent"
	"github.com/go2irl/freightdesk/internal/config"
	"github.com/go2irl/freightdesk/internal/db"
	"github.com/go2irl/freightdesk/internal/freight"
	"github.com/go2irl/freightdesk/internal/store/rabbitmq"
)

// The worker drains the email job queue: each job names a stored email, the
// configured agent processor handles it, and the email is marked processed
// only after the processor succeeds.
func main() {
	cfg := config.Load()

	if cfg.RabbitURL == "" {
		log.Fatal("RABBIT_URL is required for the worker")
	}

	gdb := db.Connect(cfg.DBDSN)
	repo := freight.NewRepo(gdb)
	svc := freight.NewService(repo, nil, nil, nil)

	reg := agent.NewRegistry()
	reg.Register("log", func() (agent.Processor, error) {
		return agent.NewLogProcessor(), nil
	})

	proc, err := reg.Get(cfg.AgentProcessor)
	if err != nil {
		log.Fatalf("agent processor: %v", err)
	}

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	// Queue args must match the publisher's declarations.
	_, err = ch.QueueDeclare(cfg.RabbitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.RabbitQueue + ".dlq",
	})
	if err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := cfg.WorkerConcurrency
	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d processor=%s",
		cfg.RabbitQueue, concurrency, cfg.AgentProcessor)

	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var job rabbitmq.EmailJob
				if err := json.Unmarshal(d.Body, &job); err != nil || job.EmailID == 0 {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, svc, repo, proc, job); err != nil {
					log.Printf("worker=%d job=%s email=%d failed cost=%s err=%v",
						workerID, job.JobID, job.EmailID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, job.JobID, err)
				}
			}
		}(i)
	}

	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, svc *freight.Service, repo *freight.Repo, proc agent.Processor, job rabbitmq.EmailJob) error {
	e, err := repo.GetEmail(ctx, job.EmailID)
	if err != nil {
		return err
	}

	// Already handled (e.g. redelivery after a crash between process and ack).
	if e.Processed {
		return nil
	}

	if err := proc.Process(ctx, e); err != nil {
		return err
	}
	return svc.MarkEmailProcessed(ctx, job.EmailID)
}
