package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"reliefdispatch/internal/metrics"
	"reliefdispatch/internal/store"
)

const (
	defaultMaxAttempts = 8
	batchSize          = 50
	maxBackoff         = time.Hour
)

// Worker polls the delivery queue and POSTs due deliveries. A delivery that exhausts MaxAttempts
// is parked as failed.
type Worker struct {
	Store        store.Webhooks
	HTTP         *http.Client
	MaxAttempts  int
	PollInterval time.Duration
	Log          *slog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func NewWorker(s store.Webhooks, maxAttempts int, poll, timeout time.Duration) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if poll <= 0 {
		poll = time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Worker{
		Store:        s,
		HTTP:         &http.Client{Timeout: timeout},
		MaxAttempts:  maxAttempts,
		PollInterval: poll,
		Log:          slog.Default(),
	}
}

// Start runs the poll loop in a goroutine until Stop is called.
func (w *Worker) Start() {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		ticker := time.NewTicker(w.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.ProcessOnce(ctx)
				cancel()
			}
		}
	}()
}

// Stop ends the poll loop and waits for an in-flight batch to finish.
func (w *Worker) Stop() {
	if w.stop == nil {
		return
	}
	w.once.Do(func() { close(w.stop) })
	<-w.done
}

// ProcessOnce delivers one batch of due deliveries and returns how many were attempted.
func (w *Worker) ProcessOnce(ctx context.Context) int {
	items, err := w.Store.FetchDueWebhookDeliveries(ctx, batchSize)
	if err != nil {
		w.logger().WarnContext(ctx, "fetch due webhooks", "err", err)
		return 0
	}
	for _, it := range items {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, it.URL, bytes.NewReader(it.Payload))
		if err != nil {
			if ferr := w.Store.FailWebhookDelivery(ctx, it.ID, err.Error(), 0, 0); ferr != nil {
				w.logger().ErrorContext(ctx, "record webhook failure", "delivery", it.ID, "err", ferr)
			}
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(HeaderEventType, it.EventType)
		req.Header.Set(HeaderDelivery, it.ID)
		if it.Secret != "" {
			req.Header.Set(HeaderSignature, SignHMAC(it.Secret, it.Payload))
		}

		start := time.Now()
		resp, err := w.HTTP.Do(req)
		latency := int(time.Since(start).Milliseconds())
		code := 0
		lastErr := ""
		if err != nil {
			lastErr = err.Error()
		} else {
			code = resp.StatusCode
			_ = resp.Body.Close()
			if code < 200 || code >= 300 {
				lastErr = fmt.Sprintf("unexpected status %d", code)
			}
		}
		success := lastErr == ""

		status := "delivered"
		var markErr error
		switch {
		case success:
			markErr = w.Store.MarkWebhookDelivery(ctx, it.ID, true, nil, "", code, latency)
		case it.Attempts+1 >= w.MaxAttempts:
			status = "failed"
			markErr = w.Store.FailWebhookDelivery(ctx, it.ID, lastErr, code, latency)
			w.logger().WarnContext(ctx, "webhook delivery failed permanently", "delivery", it.ID, "url", it.URL, "attempts", it.Attempts+1, "err", lastErr)
		default:
			status = "retry"
			next := time.Now().Add(nextBackoff(it.Attempts))
			markErr = w.Store.MarkWebhookDelivery(ctx, it.ID, false, &next, lastErr, code, latency)
		}
		if markErr != nil {
			// the delivery stays due and will be sent again on the next poll
			w.logger().ErrorContext(ctx, "record webhook delivery", "delivery", it.ID, "status", status, "err", markErr)
		}
		metrics.WebhookDeliveries.WithLabelValues(it.EventType, status).Inc()
		metrics.WebhookLatency.WithLabelValues(it.EventType, status).Observe(float64(latency))
	}
	return len(items)
}

func (w *Worker) logger() *slog.Logger {
	if w.Log != nil {
		return w.Log
	}
	return slog.Default()
}

func nextBackoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 12 {
		attempts = 12
	}
	base := time.Second * time.Duration(1<<attempts)
	if base > maxBackoff {
		base = maxBackoff
	}
	return base
}
