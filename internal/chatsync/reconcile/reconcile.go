// Package reconcile merges server message batches into a local conversation.
//
// Merge is idempotent: feeding it the same server messages any number of
// times, in any order, yields each message exactly once. The poll loop and the
// send path both funnel their batches through it, so a race between the two
// can only produce duplicates that Merge drops.
package reconcile

import (
	"time"

	"github.com/bdobrica/chatsync/internal/chatsync/chat"
)

// Result is the outcome of merging one batch.
type Result struct {
	// Appended holds the messages that were not present yet, in batch order.
	Appended []chat.Message
	// HighWaterMark is the largest raw server id seen so far. It never
	// decreases.
	HighWaterMark int64
	// ContainedNonUserReply is true when at least one appended message was
	// written by the assistant or an operator.
	ContainedNonUserReply bool
}

// Merge computes which incoming messages are new relative to existing.
// now stamps messages whose server timestamp is missing.
//
// The high-water mark is computed over every raw id in the batch, including
// duplicates that were skipped, so a re-delivered batch still advances the
// cursor.
func Merge(existing []chat.Message, highWaterMark int64, incoming []chat.Incoming, now time.Time) Result {
	res := Result{HighWaterMark: highWaterMark}
	if len(incoming) == 0 {
		return res
	}

	seen := make(map[string]struct{}, len(existing)+len(incoming))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}

	for _, in := range incoming {
		if in.ServerID > res.HighWaterMark {
			res.HighWaterMark = in.ServerID
		}

		id := chat.CompositeID(in.Role, in.ServerID)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		ts := in.Timestamp
		if ts.IsZero() {
			ts = now
		}
		res.Appended = append(res.Appended, chat.Message{
			ID:             id,
			Text:           in.Content,
			Role:           in.Role,
			Timestamp:      ts,
			ResponseTimeMs: in.ResponseTimeMs,
			IsAdminReply:   in.IsAdminReply,
		})
		if in.Role != chat.RoleUser {
			res.ContainedNonUserReply = true
		}
	}

	return res
}
