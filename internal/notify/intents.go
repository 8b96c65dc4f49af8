package notify

import (
	"time"

	"tourist-safety/monitor/internal/domain"
)

// OperatorsRecipient is the socket room watched by the operations desk.
const OperatorsRecipient = "operators"

// Intents returns who should hear about a. Operators always get a socket
// message; panic alerts also reach every emergency contact.
func Intents(a *domain.Alert, s *domain.Session, now time.Time) []domain.Notification {
	out := []domain.Notification{{Recipient: OperatorsRecipient, Channel: domain.ChannelSocket, At: now}}
	if a.Type != domain.AlertPanic || s == nil {
		return out
	}
	for _, c := range s.EmergencyContacts {
		out = append(out, domain.Notification{Recipient: c.Phone, Channel: domain.ChannelSMS, At: now})
		if c.Email != "" {
			out = append(out, domain.Notification{Recipient: c.Email, Channel: domain.ChannelEmail, At: now})
		}
	}
	return out
}
