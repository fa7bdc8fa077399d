// Package announce voices called tickets and falls back to an on-screen
// message when speech is not available.
package announce

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"time"

	"qms/mpp-desk/internal/models"

	"go.uber.org/zap"
)

var (
	announcementsTotal = expvar.NewInt("announcements_total")
	fallbackTotal      = expvar.NewInt("announcement_fallbacks_total")
)

const language = "id-ID"

// Announcement is what the display shows and says for a called ticket.
type Announcement struct {
	QueueNumber string    `json:"queue_number"`
	Display     string    `json:"display"`
	Service     string    `json:"service"`
	CounterCode string    `json:"counter_code"`
	Text        string    `json:"text"`
	Spoken      bool      `json:"spoken"`
	At          time.Time `json:"at"`
}

// FormatQueueNumber drops the date segment from a queue number. Numbers
// that do not parse are returned unchanged.
func FormatQueueNumber(queueNumber string) string {
	number, err := models.ParseQueueNumber(queueNumber)
	if err != nil {
		return queueNumber
	}
	return number.Display()
}

func Text(queueNumber, service, counterCode string) string {
	text := fmt.Sprintf("Nomor antrian %s, silakan menuju loket %s", FormatQueueNumber(queueNumber), counterCode)
	if service != "" {
		text += ", layanan " + service
	}
	return text
}

type Dispatcher struct {
	speaker Speaker
	notices *Notices
	logger  *zap.Logger
	now     func() time.Time
}

func NewDispatcher(speaker Speaker, notices *Notices, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if notices == nil {
		notices = NewNotices(10)
	}
	return &Dispatcher{speaker: speaker, notices: notices, logger: logger, now: time.Now}
}

func (d *Dispatcher) Notices() *Notices {
	return d.notices
}

// Announce speaks the ticket and posts the visible notice when speech is
// missing or fails. It never reports an error.
func (d *Dispatcher) Announce(ctx context.Context, ticket models.Ticket, counter models.Counter) {
	a := Announcement{
		QueueNumber: ticket.QueueNumber,
		Display:     FormatQueueNumber(ticket.QueueNumber),
		Service:     counter.Name,
		CounterCode: counter.Code,
		Text:        Text(ticket.QueueNumber, counter.Name, counter.Code),
		At:          d.now(),
	}
	announcementsTotal.Add(1)

	if d.speaker != nil {
		err := d.speak(ctx, a)
		if err == nil {
			a.Spoken = true
			d.notices.Push(a)
			return
		}
		d.logger.Warn("announcement speech failed, showing text",
			zap.String("queue_number", a.QueueNumber),
			zap.Error(err),
		)
	}
	fallbackTotal.Add(1)
	d.notices.Push(a)
}

func (d *Dispatcher) speak(ctx context.Context, a Announcement) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("speaker panic: %v", r)
		}
	}()
	return d.speaker.Speak(ctx, Utterance{Text: a.Text, Language: language})
}

// Notices keeps the most recent announcements for the display board,
// newest first.
type Notices struct {
	mu    sync.RWMutex
	limit int
	items []Announcement
}

func NewNotices(limit int) *Notices {
	if limit <= 0 {
		limit = 10
	}
	return &Notices{limit: limit}
}

func (n *Notices) Push(a Announcement) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = append([]Announcement{a}, n.items...)
	if len(n.items) > n.limit {
		n.items = n.items[:n.limit]
	}
}

func (n *Notices) Latest() (Announcement, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if len(n.items) == 0 {
		return Announcement{}, false
	}
	return n.items[0], true
}

func (n *Notices) List() []Announcement {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Announcement(nil), n.items...)
}

func (n *Notices) Clear() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.items = nil
}
