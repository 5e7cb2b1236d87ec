package events

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Record is one structured observability event bound to a transaction.
type Record struct {
	Timestamp     time.Time `json:"timestamp"`
	TraceID       string    `json:"trace_id,omitempty"`
	SpanID        string    `json:"span_id,omitempty"`
	RecordType    string    `json:"record_type"`
	TransactionID string    `json:"transaction_id"`
	Data          any       `json:"data,omitempty"`
}

// Sink consumes emitter records. Implementations are best-effort: a failing
// Deliver is logged by the emitter and never fails the request.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec *Record) error
	Close() error
}

// InlineSink marks a sink that must run on the caller's goroutine with the
// caller's context, e.g. to reach the active trace span.
type InlineSink interface {
	Sink
	Inline() bool
}

const (
	sinkQueueSize       = 1024
	sinkDeliveryTimeout = 10 * time.Second
)

// sinkWorker isolates one slow sink behind its own bounded queue so it can
// never block the request path. Overflow drops the record with a warning.
type sinkWorker struct {
	sink  Sink
	queue chan *Record
	done  chan struct{}
}

func (w *sinkWorker) run() {
	defer close(w.done)
	for rec := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sinkDeliveryTimeout)
		if err := w.sink.Deliver(ctx, rec); err != nil {
			logrus.WithError(err).Warnf("event sink %s delivery failed", w.sink.Name())
		}
		cancel()
	}
}

// Emitter fans structured events out to the configured sinks. Emit is
// awaitable (the record is enqueued on every sink before returning); Record
// is fire-and-forget.
type Emitter struct {
	inline  []Sink
	workers []*sinkWorker

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewEmitter wires the given sinks. Sinks implementing InlineSink with
// Inline() == true are delivered synchronously; the rest each get a worker
// goroutine and a bounded queue.
func NewEmitter(sinks ...Sink) *Emitter {
	e := &Emitter{}
	for _, s := range sinks {
		if is, ok := s.(InlineSink); ok && is.Inline() {
			e.inline = append(e.inline, s)
			continue
		}
		w := &sinkWorker{
			sink:  s,
			queue: make(chan *Record, sinkQueueSize),
			done:  make(chan struct{}),
		}
		e.workers = append(e.workers, w)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.run()
		}()
	}
	return e
}

// Emit builds a record from the payload and delivers it to every sink.
// Payloads are safe-serialized first, so arbitrary values are accepted.
func (e *Emitter) Emit(ctx context.Context, transactionID, recordType string, data any) error {
	rec := &Record{
		Timestamp:     time.Now().UTC(),
		RecordType:    recordType,
		TransactionID: transactionID,
		Data:          SafeSerialize(data),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		rec.TraceID = sc.TraceID().String()
		rec.SpanID = sc.SpanID().String()
	}

	for _, s := range e.inline {
		if err := s.Deliver(ctx, rec); err != nil {
			logrus.WithError(err).Warnf("event sink %s delivery failed", s.Name())
		}
	}

	// The enqueue is non-blocking, so holding the mutex here is cheap and
	// prevents a send racing Close.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	for _, w := range e.workers {
		select {
		case w.queue <- rec:
		default:
			logrus.Warnf("event sink %s queue full, dropping %s record", w.sink.Name(), recordType)
		}
	}
	return nil
}

// Record delivers the event without blocking the caller.
func (e *Emitter) Record(ctx context.Context, transactionID, recordType string, data any) {
	detached := context.WithoutCancel(ctx)
	go func() {
		_ = e.Emit(detached, transactionID, recordType, data)
	}()
}

// Close drains the sink queues and closes every sink.
func (e *Emitter) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	for _, w := range e.workers {
		close(w.queue)
	}
	e.wg.Wait()

	var firstErr error
	for _, w := range e.workers {
		if err := w.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range e.inline {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
