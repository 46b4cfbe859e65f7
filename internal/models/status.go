package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

type CommandStatus string

const (
	StatusPending    CommandStatus = "PENDING"
	StatusConfirmed  CommandStatus = "CONFIRMED"
	StatusProcessing CommandStatus = "PROCESSING"
	StatusShipped    CommandStatus = "SHIPPED"
	StatusDelivered  CommandStatus = "DELIVERED"
	StatusCancelled  CommandStatus = "CANCELLED"
)

var AllStatuses = []CommandStatus{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

var statusTransitions = map[CommandStatus][]CommandStatus{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// ParseCommandStatus accepts any letter case.
func ParseCommandStatus(s string) (CommandStatus, error) {
	status := CommandStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !status.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", s)}
	}
	return status, nil
}

func (s CommandStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

func (s CommandStatus) IsTerminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

func (s CommandStatus) CanTransitionTo(next CommandStatus) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s CommandStatus) Cancellable() bool {
	return s.CanTransitionTo(StatusCancelled)
}

// ItemsEditable reports whether a command's lines may still change.
func (s CommandStatus) ItemsEditable() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Deletable reports whether the command holds no live reservation.
func (s CommandStatus) Deletable() bool {
	return s.IsTerminal()
}

// ValidateTransition returns a *TransitionError when next is not reachable from s.
func (s CommandStatus) ValidateTransition(next CommandStatus) error {
	if !s.CanTransitionTo(next) {
		return &TransitionError{From: s, To: next}
	}
	return nil
}

func (s *CommandStatus) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return &ValidationError{Field: "status", Reason: "must be a string"}
	}
	parsed, err := ParseCommandStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
