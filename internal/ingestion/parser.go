package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"VaultLedger/internal/event"
)

// CommandSubjectPrefix is the JetStream subject root for inbound commands.
// The last token of a subject names the command kind, e.g.
// vault.commands.PoolDeposit.
const CommandSubjectPrefix = "vault.commands."

// ParseRawEvent decodes a raw message into a validated command. The kind is
// taken from the subject; a kind in the body must agree with it.
func ParseRawEvent(raw RawEvent) (*event.Command, error) {
	kind, err := KindFromSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	cmd, err := ParseCommand(raw.Data)
	if err != nil {
		return nil, err
	}
	if cmd.Kind == event.EventTypeUnknown {
		cmd.Kind = kind
	} else if cmd.Kind != kind {
		return nil, fmt.Errorf("%w: body kind %s does not match subject %s",
			event.ErrInvalidCommand, cmd.Kind, raw.Subject)
	}
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// ParseCommand decodes one JSON command without validating it. Unknown
// fields are rejected so a misspelled argument cannot silently default.
func ParseCommand(data []byte) (*event.Command, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var cmd event.Command
	if err := dec.Decode(&cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrInvalidCommand, err)
	}
	return &cmd, nil
}

// KindFromSubject resolves the command kind named by the final subject token.
func KindFromSubject(subject string) (event.EventType, error) {
	if !strings.HasPrefix(subject, CommandSubjectPrefix) {
		return event.EventTypeUnknown, fmt.Errorf("%w: unexpected subject %q", event.ErrInvalidCommand, subject)
	}
	rest := strings.TrimPrefix(subject, CommandSubjectPrefix)
	if i := strings.IndexByte(rest, '.'); i >= 0 {
		rest = rest[:i]
	}
	kind, err := event.ParseEventType(rest)
	if err != nil {
		return event.EventTypeUnknown, fmt.Errorf("%w: %v", event.ErrInvalidCommand, err)
	}
	return kind, nil
}

// SubjectFor is the inverse of KindFromSubject.
func SubjectFor(kind event.EventType) string {
	return CommandSubjectPrefix + kind.String()
}
