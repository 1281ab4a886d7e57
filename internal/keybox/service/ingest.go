package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cesi-keybox/keybox/server/internal/broadcast"
	"github.com/cesi-keybox/keybox/server/internal/keybox/store"
	"github.com/cesi-keybox/keybox/server/internal/keybox/types"
	"github.com/cesi-keybox/keybox/server/internal/keybox/verify"
	"github.com/cesi-keybox/keybox/server/internal/metrics"
)

var ErrPipelineClosed = errors.New("ingestion pipeline closed")

// Stage is how far a message got through the pipeline.
type Stage string

const (
	StageReceived   Stage = "received"
	StageParsed     Stage = "parsed"
	StageClassified Stage = "classified"
	StagePersisted  Stage = "persisted"
	StageBroadcast  Stage = "broadcast"
	StageFailed     Stage = "failed"
)

// Message is one delivery from the transport. Subject is informational only.
type Message struct {
	Subject    string
	Data       []byte
	ReceivedAt time.Time
}

type Outcome struct {
	Stage  Stage
	Class  types.EventClass
	Entry  types.LogEntry
	Update types.RoomUpdate
}

type PipelineConfig struct {
	QueueSize    int
	StoreRetries int
	RetryBackoff time.Duration
}

type Pipeline struct {
	directory verify.Lookuper
	store     store.EventStore
	sink      broadcast.Sink
	logger    *log.Logger

	queue   chan Message
	retries int
	backoff time.Duration
	now     func() time.Time

	// mu orders Enqueue's admission against Close; inflight lets Run wait
	// for senders admitted before Close so their messages are drained.
	mu        sync.Mutex
	closing   bool
	inflight  sync.WaitGroup
	closed    chan struct{}
	closeOnce sync.Once
}

func NewPipeline(dir verify.Lookuper, st store.EventStore, sink broadcast.Sink, logger *log.Logger, cfg PipelineConfig) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.StoreRetries < 0 {
		cfg.StoreRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	if sink == nil {
		sink = broadcast.Multi{}
	}
	return &Pipeline{
		directory: dir,
		store:     st,
		sink:      sink,
		logger:    logger,
		queue:     make(chan Message, cfg.QueueSize),
		retries:   cfg.StoreRetries,
		backoff:   cfg.RetryBackoff,
		now:       func() time.Time { return time.Now().UTC() },
		closed:    make(chan struct{}),
	}
}

// Enqueue hands a message to the processing loop. It blocks while the queue
// is full, which pushes back on the transport.
func (p *Pipeline) Enqueue(ctx context.Context, msg Message) error {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	p.inflight.Add(1)
	p.mu.Unlock()
	defer p.inflight.Done()

	select {
	case p.queue <- msg:
		metrics.QueueDepth.Set(float64(len(p.queue)))
		return nil
	case <-p.closed:
		return ErrPipelineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting messages. Run drains what is queued and returns.
// A nil error from Enqueue means the message will be processed.
func (p *Pipeline) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closing = true
		close(p.closed)
		p.mu.Unlock()
	})
}

// Run processes queued messages until ctx is cancelled or Close is called.
func (p *Pipeline) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-p.queue:
			p.handle(ctx, msg)
		case <-p.closed:
			p.inflight.Wait()
			for {
				select {
				case msg := <-p.queue:
					p.handle(ctx, msg)
				default:
					return nil
				}
			}
		}
	}
}

// handle owns the retry decision for a single message: malformed input is
// dropped, storage errors are retried a bounded number of times.
func (p *Pipeline) handle(ctx context.Context, msg Message) {
	metrics.QueueDepth.Set(float64(len(p.queue)))
	start := time.Now()
	defer func() { metrics.ProcessDuration.Observe(time.Since(start).Seconds()) }()

	for attempt := 0; ; attempt++ {
		_, err := p.Process(ctx, msg)
		if err == nil {
			return
		}
		if errors.Is(err, ErrMalformedEvent) {
			p.logger.Warn("dropping malformed message", "subject", msg.Subject, "err", err)
			return
		}
		if attempt >= p.retries || ctx.Err() != nil {
			p.logger.Error("dropping event after storage failure",
				"subject", msg.Subject, "attempts", attempt+1, "err", err)
			return
		}
		metrics.StoreRetries.Inc()
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.backoff):
		}
	}
}

// Process runs one message through parse, verify, persist and broadcast.
func (p *Pipeline) Process(ctx context.Context, msg Message) (Outcome, error) {
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now()
	}

	ev, err := ParseRawEvent(msg.Data)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(StageFailed)).Inc()
		return Outcome{Stage: StageFailed}, err
	}
	if room := subjectRoom(msg.Subject); room != "" && room != ev.Room {
		p.logger.Debug("subject room differs from payload", "subject", msg.Subject, "room", ev.Room)
	}

	class, res := verify.ClassifyAndVerify(p.directory, ev.Room, ev.Key, ev.State)
	rec := store.LogRecord{
		ReceivedAt: msg.ReceivedAt,
		RoomID:     ev.Room,
		EventKind:  ev.State,
		KeyID:      ev.Key,
		KeyName:    res.MatchedName,
		KeyValid:   res.Valid,
		Message:    res.Message,
		IsSwap:     class == types.ClassSwap,
		IsMulti:    class == types.ClassMultiAlert,
	}

	entry, err := p.store.RecordEvent(ctx, rec)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(string(StageClassified)).Inc()
		return Outcome{Stage: StageClassified, Class: class}, fmt.Errorf("persist event for room %s: %w", ev.Room, err)
	}
	metrics.EventsTotal.WithLabelValues(string(class), strconv.FormatBool(res.Valid)).Inc()

	update := types.RoomUpdate{
		Room:                ev.Room,
		Key:                 ev.Key,
		State:               ev.State,
		Extra:               ev.Extra,
		KeyValid:            res.Valid,
		KeyName:             res.MatchedName,
		VerificationMessage: res.Message,
		SwapDetected:        rec.IsSwap,
		MultiBadge:          rec.IsMulti,
		Timestamp:           entry.Timestamp,
		LogID:               entry.ID,
	}

	out := Outcome{Stage: StagePersisted, Class: class, Entry: entry, Update: update}
	if err := p.sink.Publish(ctx, update); err != nil {
		// Already persisted; viewers catch up from the snapshot on reconnect.
		p.logger.Warn("broadcast failed", "room", ev.Room, "err", err)
		metrics.MessagesTotal.WithLabelValues(string(StagePersisted)).Inc()
		return out, nil
	}
	out.Stage = StageBroadcast
	metrics.MessagesTotal.WithLabelValues(string(StageBroadcast)).Inc()

	p.logger.Info("event", "room", ev.Room, "state", ev.State, "key", ev.Key,
		"class", class, "valid", res.Valid)
	return out, nil
}

// subjectRoom extracts {room} from "<prefix>.rooms.{room}.status".
func subjectRoom(subject string) string {
	parts := strings.Split(subject, ".")
	for i := 0; i+2 < len(parts); i++ {
		if parts[i] == "rooms" && parts[i+2] == "status" {
			return parts[i+1]
		}
	}
	return ""
}
