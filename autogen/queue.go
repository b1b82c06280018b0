package autogen

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
)

// ErrChatRequestTooOld is returned by Push when a request has already
// exceeded the configured max age.
var ErrChatRequestTooOld = fmt.Errorf("chat request too old")

// ChatRequest is an inbound Discord message waiting to be handled.
// Requests are queued so the LLM endpoint sees at most one in-flight
// chat completion at a time.
type ChatRequest struct {
	// ID is a UUID assigned when the request is enqueued
	ID string

	// User is the (possibly newly created) User record for the author
	User *User

	// ChannelID the message arrived in
	ChannelID string

	// MessageID of the inbound Discord message
	MessageID string

	// Content is the raw message content
	Content string

	// ThinkingMessageID is the placeholder message the bot sent, which
	// is later edited into the first chunk of the reply
	ThinkingMessageID string

	// Message is the original gateway event payload
	Message *discordgo.Message

	// CreatedAt is when the request was received, in Unix milliseconds
	CreatedAt int64

	index int
}

// NewChatRequest creates a ChatRequest for an inbound message.
func NewChatRequest(user *User, m *discordgo.Message) *ChatRequest {
	return &ChatRequest{
		ID:        uuid.NewString(),
		User:      user,
		ChannelID: m.ChannelID,
		MessageID: m.ID,
		Content:   m.Content,
		Message:   m,
		CreatedAt: time.Now().UTC().UnixMilli(),
	}
}

// Age returns how long ago the request was received.
func (c *ChatRequest) Age() time.Duration {
	return time.Since(time.UnixMilli(c.CreatedAt))
}

// ChatRequestQueue is a bounded in-memory queue of ChatRequest,
// ordered oldest-first. When full, the newest Push evicts the oldest
// queued request; requests older than the configured max age are
// discarded on Pop.
type ChatRequestQueue struct {
	queue  *requestHeap
	config *QueueConfig
	logger *slog.Logger
	mu     sync.Mutex
}

// NewChatRequestQueue creates an empty queue with the given config.
func NewChatRequestQueue(
	config *QueueConfig,
	logger *slog.Logger,
) *ChatRequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &ChatRequestQueue{
		queue:  &requestHeap{},
		config: config,
		logger: logger,
	}
	heap.Init(q.queue)
	return q
}

// Len returns the number of queued requests.
func (q *ChatRequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queue.Len()
}

// Clear discards all queued requests.
func (q *ChatRequestQueue) Clear(_ context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queue = &requestHeap{}
	heap.Init(q.queue)
}

// Push enqueues a request. If the queue is at capacity, the oldest
// queued request is dropped to make room. Requests that already exceed
// the max age are rejected with ErrChatRequestTooOld.
func (q *ChatRequestQueue) Push(ctx context.Context, req *ChatRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.MaxAge > 0 && req.Age() > q.config.MaxAge {
		q.logger.WarnContext(
			ctx,
			"discarding old request",
			"max_age", q.config.MaxAge,
			"request_age", req.Age(),
		)
		return fmt.Errorf("%w (age: %s)", ErrChatRequestTooOld, req.Age())
	}

	if q.config.Size > 0 && q.queue.Len() >= q.config.Size {
		dropped := heap.Pop(q.queue).(*ChatRequest)
		q.logger.WarnContext(
			ctx,
			"queue full, dropped oldest request",
			"dropped_id", dropped.ID,
			"max_size", q.config.Size,
		)
	}

	heap.Push(q.queue, req)
	q.logger.InfoContext(
		ctx,
		"queued chat request",
		"request_id", req.ID,
		"user", req.User.String(),
		"queue_size", q.queue.Len(),
	)
	return nil
}

// Pop returns the oldest queued request that hasn't exceeded the max
// age, or nil if the queue is empty.
func (q *ChatRequestQueue) Pop(ctx context.Context) *ChatRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.queue.Len() > 0 {
		req := heap.Pop(q.queue).(*ChatRequest)
		if q.config.MaxAge > 0 && req.Age() > q.config.MaxAge {
			q.logger.WarnContext(
				ctx,
				"discarded expired request",
				"request_id", req.ID,
				"max_age", q.config.MaxAge,
				"request_age", req.Age(),
			)
			continue
		}
		return req
	}
	return nil
}

type requestHeap []*ChatRequest

func (h requestHeap) Len() int {
	return len(h)
}

func (h requestHeap) Less(i, j int) bool {
	return h[i].CreatedAt < h[j].CreatedAt
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x any) {
	n := len(*h)
	item := x.(*ChatRequest)
	item.index = n
	*h = append(*h, item)
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}
