package mqtt

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/iogate/iogate/internal/config"
)

// Outputs is what the Router needs from the digital output coordinator.
type Outputs interface {
	Output(name string) (config.DigitalOutput, bool)
	Enqueue(ctx context.Context, name, payload string) error
	SetFor(name string, value bool, d time.Duration) error
}

// Streams is what the Router needs from the stream pump.
type Streams interface {
	Has(name string) bool
	Send(ctx context.Context, name string, data []byte) error
}

// Router dispatches inbound messages to outputs and streams. Malformed
// messages are logged and dropped.
//
// Hand-offs to the output queues and stream write loops block until the
// target is free, so they go through lanes: one per GPIO module and one per
// stream, each an unbounded FIFO with its own goroutine. A busy module only
// delays its own lane.
type Router struct {
	topics  Topics
	outputs Outputs
	streams Streams
	logger  *slog.Logger

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

func NewRouter(topics Topics, outputs Outputs, streams Streams, logger *slog.Logger) *Router {
	return &Router{
		topics:  topics,
		outputs: outputs,
		streams: streams,
		logger:  logger.With("component", "router"),
		lanes:   make(map[string]*lane),
	}
}

// Run handles messages until ctx is done or msgs is closed. Lanes started
// by Run are stopped before it returns; jobs still queued are dropped.
func (r *Router) Run(ctx context.Context, msgs <-chan Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer r.wg.Wait()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			r.Handle(ctx, msg)
		}
	}
}

// Wait blocks until every lane has stopped. Lanes stop when the ctx they
// were created with is done.
func (r *Router) Wait() {
	r.wg.Wait()
}

type job func(ctx context.Context)

type lane struct {
	mu      sync.Mutex
	pending []job
	wake    chan struct{}
}

func (l *lane) push(j job) {
	l.mu.Lock()
	l.pending = append(l.pending, j)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *lane) next() (job, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	j := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return j, true
}

func (l *lane) run(ctx context.Context) {
	for {
		j, ok := l.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-l.wake:
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		j(ctx)
	}
}

// dispatch queues j on lane key, starting the lane on first use.
func (r *Router) dispatch(ctx context.Context, key string, j job) {
	r.mu.Lock()
	l, ok := r.lanes[key]
	if !ok {
		l = &lane{wake: make(chan struct{}, 1)}
		r.lanes[key] = l
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			l.run(ctx)
			r.mu.Lock()
			if r.lanes[key] == l {
				delete(r.lanes, key)
			}
			r.mu.Unlock()
		}()
	}
	r.mu.Unlock()
	l.push(j)
}

func hasSuffix(topic string, suffixes ...string) (string, bool) {
	for _, s := range suffixes {
		if strings.HasSuffix(topic, "/"+s) {
			return s, true
		}
	}
	return "", false
}

// Handle routes a single message.
func (r *Router) Handle(ctx context.Context, msg Message) {
	if utf8.Valid(msg.Payload) {
		r.logger.Debug("received message", "topic", msg.Topic, "payload", string(msg.Payload))
	} else {
		r.logger.Debug("received non-unicode message", "topic", msg.Topic)
	}

	if suffix, ok := hasSuffix(msg.Topic, SetSuffix, SetOnMSSuffix, SetOffMSSuffix); ok {
		if !utf8.Valid(msg.Payload) {
			r.logger.Warn("ignoring non-unicode payload on output topic", "topic", msg.Topic)
			return
		}
		r.handleOutput(ctx, msg.Topic, suffix, string(msg.Payload))
		return
	}
	if _, ok := hasSuffix(msg.Topic, SendSuffix); ok {
		r.handleStreamSend(ctx, msg)
		return
	}
	r.logger.Debug("ignoring message on unhandled topic", "topic", msg.Topic)
}

func (r *Router) handleOutput(ctx context.Context, topic, suffix, payload string) {
	name, err := NameFromTopic(topic, r.topics.Prefix, OutputTopic)
	if err != nil {
		r.logger.Warn("unable to parse digital output name from topic", "error", err)
		return
	}
	if r.outputs == nil {
		r.logger.Warn("no digital output config found", "output", name)
		return
	}

	if suffix == SetSuffix {
		out, ok := r.outputs.Output(name)
		if !ok {
			r.logger.Warn("no digital output config found", "output", name)
			return
		}
		r.dispatch(ctx, "gpio/"+out.Module, func(ctx context.Context) {
			if err := r.outputs.Enqueue(ctx, name, payload); err != nil && ctx.Err() == nil {
				r.logger.Warn("dropping output command", "output", name, "error", err)
			}
		})
		return
	}

	ms, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil || ms < 0 {
		r.logger.Warn("unable to parse ms value from payload", "output", name, "payload", payload)
		return
	}
	value := suffix == SetOnMSSuffix
	d := time.Duration(ms * float64(time.Millisecond))
	if err := r.outputs.SetFor(name, value, d); err != nil {
		r.logger.Warn("dropping timed output command", "output", name, "error", err)
	}
}

func (r *Router) handleStreamSend(ctx context.Context, msg Message) {
	name, err := NameFromTopic(msg.Topic, r.topics.Prefix, StreamTopic)
	if err != nil {
		r.logger.Warn("unable to parse stream name from topic", "error", err)
		return
	}
	if r.streams == nil || !r.streams.Has(name) {
		r.logger.Warn("no stream found", "stream", name)
		return
	}
	data := msg.Payload
	r.dispatch(ctx, "stream/"+name, func(ctx context.Context) {
		if err := r.streams.Send(ctx, name, data); err != nil && ctx.Err() == nil {
			r.logger.Warn("dropping stream data", "stream", name, "error", err)
		}
	})
}
