package domain

import (
	"time"
)

// ParticipantState - состояние участника в жизненном цикле удаления чата
type ParticipantState string

const (
	ParticipantActive      ParticipantState = "active"
	ParticipantSoftDeleted ParticipantState = "soft_deleted"
)

type ParticipantEvent string

const (
	ParticipantEventDelete  ParticipantEvent = "delete"
	ParticipantEventRestore ParticipantEvent = "restore"
)

// Transition применяет событие к участнику. Возвращает false, если состояние не изменилось.
func (p *Participant) Transition(event ParticipantEvent, at time.Time) bool {
	switch event {
	case ParticipantEventDelete:
		if p.State == ParticipantSoftDeleted {
			return false
		}
		p.State = ParticipantSoftDeleted
		p.IsVisible = false
		p.DeletedAt = &at
		return true
	case ParticipantEventRestore:
		if p.State != ParticipantSoftDeleted {
			return false
		}
		p.State = ParticipantActive
		p.IsVisible = true
		p.DeletedAt = nil
		return true
	}
	return false
}

func (p *Participant) IsDeleted() bool {
	return p.State == ParticipantSoftDeleted
}

// ShouldPurge - правило каскада: чат уничтожается, только когда его удалили все участники
func ShouldPurge(participants []*Participant) bool {
	if len(participants) == 0 {
		return false
	}
	for _, p := range participants {
		if !p.IsDeleted() {
			return false
		}
	}
	return true
}
