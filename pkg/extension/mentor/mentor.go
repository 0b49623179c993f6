// Package mentor lists the subjects available for mentoring.
package mentor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"cogbot/pkg/extension"
)

const Name = "mentor"

var DefaultSubjects = []string{"Science", "Math", "English", "CompSci"}

type Mentor struct {
	subjects []string
	log      *slog.Logger
}

// New is the registry constructor.
func New(deps extension.Deps) (extension.Extension, error) {
	return NewWithSubjects(deps, DefaultSubjects), nil
}

// NewWithSubjects builds a mentor offering subjects.
func NewWithSubjects(deps extension.Deps, subjects []string) *Mentor {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Mentor{
		subjects: append([]string(nil), subjects...),
		log:      log,
	}
}

func (m *Mentor) Name() string {
	return Name
}

func (m *Mentor) Commands() []extension.Command {
	return []extension.Command{
		{Name: "subjects", Help: "Receive the list of subjects by direct message", Handler: m.listSubjects},
	}
}

func (m *Mentor) OnReady(context.Context) {
	m.log.Debug("Mentor extension ready", "subjects", len(m.subjects))
}

// listSubjects queues the subject list as a direct message. Delivery happens
// later in the channel adapter. A message that cannot be queued is logged and
// not reported as a command failure.
func (m *Mentor) listSubjects(ctx context.Context, inv *extension.Invocation) error {
	message := SubjectList(m.subjects)

	if err := inv.DirectMessage(ctx, message); err != nil {
		m.log.Error("Failed to queue subjects", "user_id", inv.AuthorID, "error", err)
		return nil
	}

	m.log.Info("Queued subjects", "user_id", inv.AuthorID)
	return nil
}

// SubjectList renders subjects as a numbered list.
func SubjectList(subjects []string) string {
	var b strings.Builder
	b.WriteString("The currently available subjects are:")
	for i, subject := range subjects {
		fmt.Fprintf(&b, "\n%d. %s", i+1, subject)
	}
	return b.String()
}
