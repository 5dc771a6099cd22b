package command

import "github.com/zw834675966/ems/internal/domain"

// Event is a state-machine input: a dispatch outcome or an observed receipt
// status, or the reaper's deadline tick.
type Event string

const (
	EventDispatchOK        Event = "dispatch-ok"
	EventDispatchExhausted Event = "dispatch-exhausted"
	EventReceiptAccepted   Event = "receipt:accepted"
	EventReceiptSuccess    Event = "receipt:success"
	EventReceiptFailed     Event = "receipt:failed"
	EventReaperDeadline    Event = "reaper:deadline"
)

// NextStatus is the pure command state-transition table. Terminal states
// (success, failed, timeout) never change on any event. Callers apply the
// result with a conditional store update so a transition only lands when
// the row is still in one of the states FromStatesFor lists for the event.
func NextStatus(current domain.CommandStatus, event Event) (next domain.CommandStatus, ok bool) {
	if current.IsTerminal() {
		return current, false
	}
	switch {
	case current == domain.StatusIssued && event == EventDispatchOK:
		return domain.StatusAccepted, true
	case current == domain.StatusIssued && event == EventDispatchExhausted:
		return domain.StatusFailed, true
	case (current == domain.StatusIssued || current == domain.StatusAccepted) && event == EventReceiptAccepted:
		return domain.StatusAccepted, true
	case (current == domain.StatusIssued || current == domain.StatusAccepted) && event == EventReceiptSuccess:
		return domain.StatusSuccess, true
	case (current == domain.StatusIssued || current == domain.StatusAccepted) && event == EventReceiptFailed:
		return domain.StatusFailed, true
	case current == domain.StatusAccepted && event == EventReaperDeadline:
		return domain.StatusTimeout, true
	default:
		return current, false
	}
}

// FromStatesFor lists the statuses a TransitionFrom call should accept for
// the given event, derived from the same table NextStatus encodes.
func FromStatesFor(event Event) []domain.CommandStatus {
	switch event {
	case EventDispatchOK, EventDispatchExhausted:
		return []domain.CommandStatus{domain.StatusIssued}
	case EventReceiptAccepted, EventReceiptSuccess, EventReceiptFailed:
		return []domain.CommandStatus{domain.StatusIssued, domain.StatusAccepted}
	case EventReaperDeadline:
		return []domain.CommandStatus{domain.StatusAccepted}
	default:
		return nil
	}
}
