package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Kind names a discrete event pushed to the clients of a session. The values
// are the wire-level event names.
type Kind string

const (
	KindGameState       Kind = "game_state"
	KindNewQuestion     Kind = "new_question"
	KindPlayerBuzzed    Kind = "player_buzzed"
	KindCountdown       Kind = "countdown"
	KindTimeout         Kind = "timeout"
	KindAnswerCorrect   Kind = "answer_correct"
	KindAnswerIncorrect Kind = "answer_incorrect"
	KindLeaderboard     Kind = "leaderboard"
)

type Event struct {
	Kind Kind `json:"event"`
	Data any  `json:"data,omitempty"`
}

type Redis interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

type Config struct {
	// Redis mirrors every event onto a pubsub channel per session so other
	// instances can relay them. Optional; nil disables the mirror.
	Redis  Redis
	Prefix string
}

const (
	queueSize        = 256
	subscriberBuffer = 64
)

// Dispatcher fans out events to the subscribers of a session. Each session
// has a single dispatch goroutine fed by a FIFO queue, so within one session
// delivery order matches publish order; sessions never block each other.
// Subscribers that fall behind have events dropped, not queued unbounded.
type Dispatcher struct {
	redis  Redis
	prefix string

	mu       sync.Mutex
	sessions map[string]*channel
	stopped  bool
	wg       sync.WaitGroup
}

type channel struct {
	queue chan Event

	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
}

func NewDispatcher(c Config) *Dispatcher {
	return &Dispatcher{
		redis:    c.Redis,
		prefix:   c.Prefix,
		sessions: make(map[string]*channel),
	}
}

// Publish enqueues an event for every subscriber of the session. Never
// blocks: when the session queue is full the event is dropped and logged.
func (d *Dispatcher) Publish(ctx context.Context, sessionID string, kind Kind, payload any) {
	ch := d.channel(sessionID)
	if ch == nil {
		return
	}

	select {
	case ch.queue <- Event{Kind: kind, Data: payload}:
	default:
		slog.WarnContext(ctx, "broadcast: session queue full, event dropped",
			"session", sessionID,
			"kind", string(kind),
		)
	}
}

// Subscribe registers a new subscriber for the session and returns its event
// channel plus a cancel func. The channel is closed on cancel and on Stop.
func (d *Dispatcher) Subscribe(sessionID string) (<-chan Event, func()) {
	ch := d.channel(sessionID)
	if ch == nil {
		closed := make(chan Event)
		close(closed)
		return closed, func() {}
	}

	ch.mu.Lock()
	id := ch.nextID
	ch.nextID++
	sub := make(chan Event, subscriberBuffer)
	ch.subs[id] = sub
	ch.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			ch.mu.Lock()
			delete(ch.subs, id)
			ch.mu.Unlock()
			close(sub)
		})
	}
	return sub, cancel
}

// Stop closes every session queue and waits for in-flight deliveries.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for _, ch := range d.sessions {
		close(ch.queue)
	}
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) channel(sessionID string) *channel {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return nil
	}

	ch, ok := d.sessions[sessionID]
	if !ok {
		ch = &channel{
			queue: make(chan Event, queueSize),
			subs:  make(map[int]chan Event),
		}
		d.sessions[sessionID] = ch

		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(sessionID, ch)
		}()
	}
	return ch
}

func (d *Dispatcher) run(sessionID string, ch *channel) {
	for e := range ch.queue {
		d.mirror(sessionID, e)

		ch.mu.Lock()
		for _, sub := range ch.subs {
			select {
			case sub <- e:
			default:
				slog.Warn("broadcast: subscriber behind, event dropped",
					"session", sessionID,
					"kind", string(e.Kind),
				)
			}
		}
		ch.mu.Unlock()
	}
}

func (d *Dispatcher) mirror(sessionID string, e Event) {
	if d.redis == nil {
		return
	}

	b, err := json.Marshal(e)
	if err != nil {
		slog.Error("broadcast: marshal event", "kind", string(e.Kind), "error", err)
		return
	}

	channel := fmt.Sprintf("%s:game:%s", d.prefix, sessionID)
	if err := d.redis.Publish(context.Background(), channel, b).Err(); err != nil {
		slog.Error("broadcast: mirror to pubsub failed",
			"session", sessionID,
			"error", err,
		)
	}
}
