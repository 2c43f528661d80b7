package assistant

import (
	"sync"
	"time"

	"github.com/metalagman/tally/internal/executor"
	"github.com/metalagman/tally/internal/queue"
)

// NotificationKind tells task completions from timeouts.
type NotificationKind string

const (
	NotifyTask    NotificationKind = "task"
	NotifyTimeout NotificationKind = "timeout"
)

// Notification is an out-of-turn message for the user.
type Notification struct {
	Kind    NotificationKind       `json:"kind"`
	Text    string                 `json:"text"`
	Task    *queue.ExecutionResult `json:"task,omitempty"`
	Timeout *executor.TimeoutEvent `json:"timeout,omitempty"`
	At      time.Time              `json:"at"`
}

func taskNotification(r queue.ExecutionResult) Notification {
	text := r.Message
	switch r.Status {
	case queue.StatusCompleted:
		if text == "" {
			text = "后台操作已完成"
		}
	case queue.StatusCancelled:
		text = "后台操作已取消"
	default:
		if text == "" {
			text = "后台操作没有成功"
		} else {
			text = "后台操作没有成功：" + text
		}
	}
	return Notification{Kind: NotifyTask, Text: text, Task: &r, At: r.CompletedAt}
}

const notificationBuffer = 16

type broadcaster struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Notification
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]chan Notification)}
}

func (b *broadcaster) subscribe() (<-chan Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Notification, notificationBuffer)
	b.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}

// publish never blocks; a full subscriber misses the notification.
func (b *broadcaster) publish(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}
