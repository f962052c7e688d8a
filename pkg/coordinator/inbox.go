package coordinator

import (
	"fmt"

	"github.com/beamlens/beamlens/pkg/models"
)

// inbox is the coordinator's per-run notification table: an ordered
// id → entry mapping. Only the run goroutine touches it, so no locking.
type inbox struct {
	order   []string
	entries map[string]*models.NotificationEntry
}

func newInbox() *inbox {
	return &inbox{entries: make(map[string]*models.NotificationEntry)}
}

// Ingest adds a notification with unread status. Duplicate ids are ignored:
// the first ingestion wins, matching the immutability of notifications.
func (in *inbox) Ingest(n *models.Notification) {
	if _, ok := in.entries[n.ID]; ok {
		return
	}
	in.entries[n.ID] = models.NewNotificationEntry(n)
	in.order = append(in.order, n.ID)
}

// Get returns the entry for id.
func (in *inbox) Get(id string) (*models.NotificationEntry, bool) {
	e, ok := in.entries[id]
	return e, ok
}

// Contains reports whether every given id is present.
func (in *inbox) Contains(ids []string) (string, bool) {
	for _, id := range ids {
		if _, ok := in.entries[id]; !ok {
			return id, false
		}
	}
	return "", true
}

// View returns entries in ingestion order, optionally filtered by status.
func (in *inbox) View(status models.NotificationStatus) []*models.NotificationEntry {
	out := make([]*models.NotificationEntry, 0, len(in.order))
	for _, id := range in.order {
		e := in.entries[id]
		if status != "" && e.Status != status {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Transition moves the given ids to status. Missing ids are silently
// skipped; backward transitions are reported per id.
func (in *inbox) Transition(ids []string, status models.NotificationStatus) (updated []string, errs []string) {
	for _, id := range ids {
		e, ok := in.entries[id]
		if !ok {
			continue
		}
		if err := e.Transition(status); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		updated = append(updated, id)
	}
	return updated, errs
}

// Resolve marks the given ids resolved, skipping missing ids.
func (in *inbox) Resolve(ids []string) {
	for _, id := range ids {
		if e, ok := in.entries[id]; ok {
			// Resolved is terminal, so this can only fail for ids that are
			// already resolved, which is fine.
			_ = e.Transition(models.StatusResolved)
		}
	}
}

// UnreadCount returns the number of unread entries.
func (in *inbox) UnreadCount() int {
	count := 0
	for _, e := range in.entries {
		if e.Status == models.StatusUnread {
			count++
		}
	}
	return count
}

// Len returns the number of entries.
func (in *inbox) Len() int {
	return len(in.order)
}

// Summary renders a short one-line-per-entry digest for prompts.
func (in *inbox) Summary() string {
	if len(in.order) == 0 {
		return "(inbox empty)"
	}
	out := ""
	for _, id := range in.order {
		e := in.entries[id]
		n := e.Notification
		out += fmt.Sprintf("- [%s] %s %s/%s (%s): %s\n",
			e.Status, n.ID, n.Operator, n.AnomalyType, n.Severity, n.Observation)
	}
	return out
}
