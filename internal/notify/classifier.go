// Package notify decides which backend progress events are worth saying out
// loud. Classification is pure: the same event and status always produce the
// same decision.
package notify

import (
	"fmt"

	"github.com/ent0n29/voicebridge/internal/backend"
)

const (
	MessageTaskFailed    = "A task failed. Should I retry or skip it?"
	MessageTimeout       = "This is taking a while. Keep waiting or cancel?"
	MessageTaskCompleted = "A task completed."
)

// Decision is either Speak(text) or Silent.
type Decision struct {
	Speak bool
	Text  string
}

func Speak(text string) Decision { return Decision{Speak: true, Text: text} }

func Silent() Decision { return Decision{} }

func (d Decision) String() string {
	if !d.Speak {
		return "silent"
	}
	return fmt.Sprintf("speak(%q)", d.Text)
}

// Classify applies the notification rules in order: failure, completion,
// decomposition, timeout. Everything else is silent.
func Classify(evt backend.Event, status backend.TaskStatus) Decision {
	switch evt.Kind {
	case backend.EventTaskState:
		switch evt.State() {
		case backend.TaskFailed:
			return Speak(MessageTaskFailed)
		case backend.TaskCompleted:
			if status.Completed == status.Total {
				return Speak(fmt.Sprintf("All done. %d tasks completed.", status.Total))
			}
			return Speak(fmt.Sprintf("%d of %d done.", status.Completed, status.Total))
		}
	case backend.EventDecomposeProgress:
		return Speak(fmt.Sprintf("I've broken this into %d tasks. Ready to start?", evt.TaskCount()))
	case backend.EventTimeout:
		return Speak(MessageTimeout)
	}
	return Silent()
}

// NeedsStatus reports whether Classify reads the status for evt.
func NeedsStatus(evt backend.Event) bool {
	return evt.Kind == backend.EventTaskState && evt.State() == backend.TaskCompleted
}

// Fallback classifies evt when the task status could not be obtained.
func Fallback(evt backend.Event) Decision {
	if NeedsStatus(evt) {
		return Speak(MessageTaskCompleted)
	}
	return Classify(evt, backend.TaskStatus{})
}
