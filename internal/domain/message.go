package domain

import (
	"sort"
	"time"
)

// Message is one chat line in a ticket conversation.
type Message struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Author    Role      `json:"author"`
	AuthorUID string    `json:"author_uid"`
	Body      string    `json:"body"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

// SortMessages orders by timestamp, then by insertion sequence.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
