// Package notify delivers fire-and-forget error notifications.
//
// Transient upstream failures during fallback are reported to an external
// sink without blocking the serving path: events enter a bounded queue and a
// small worker pool posts them with its own timeout. When the queue is full
// the event is dropped and counted; the serving path never waits.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
	defaultTimeout   = 5 * time.Second
)

// Event is one upstream failure report.
type Event struct {
	Provider  string    `json:"provider"`
	ModelID   string    `json:"model_id"`
	RequestID string    `json:"request_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier posts events to a webhook URL. A nil Notifier is safe: Publish is
// a no-op, so callers never branch on configuration.
type Notifier struct {
	url     string
	client  *http.Client
	log     *slog.Logger
	queue   chan Event
	dropped atomic.Int64

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// Options tunes a Notifier. Zero values use the package defaults.
type Options struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// New creates and starts a Notifier posting to url. An empty url returns nil,
// which disables notification entirely.
func New(url string, opts Options, log *slog.Logger) *Notifier {
	if url == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	n := &Notifier{
		url:      url,
		client:   &http.Client{Timeout: timeout},
		log:      log,
		queue:    make(chan Event, queueSize),
		shutdown: make(chan struct{}),
	}

	n.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go n.worker()
	}
	return n
}

// Publish enqueues an event. Never blocks: a full queue drops the event.
func (n *Notifier) Publish(ev Event) {
	if n == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case n.queue <- ev:
	default:
		dropped := n.dropped.Add(1)
		if dropped%100 == 1 {
			n.log.Warn("notification queue full, dropping events",
				slog.Int64("dropped_total", dropped),
			)
		}
	}
}

// Dropped returns how many events were discarded due to backpressure.
func (n *Notifier) Dropped() int64 {
	if n == nil {
		return 0
	}
	return n.dropped.Load()
}

// Close drains queued events and stops the workers.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.once.Do(func() {
		close(n.shutdown)
		close(n.queue)
		n.wg.Wait()
	})
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for ev := range n.queue {
		n.post(ev)
	}
}

func (n *Notifier) post(ev Event) {
	body, err := json.Marshal(ev)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Debug("notification delivery failed", slog.String("error", err.Error()))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.log.Debug("notification rejected",
			slog.String("status", fmt.Sprintf("%d", resp.StatusCode)),
		)
	}
}
