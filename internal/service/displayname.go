package service

import (
	"strings"

	"github.com/fathima-sithara/marketplace-messaging/internal/domain"
)

const unknownUser = "Unknown user"

// DisplayName picks business name, full name, first+last, then the raw id.
// p may be nil when the profile could not be loaded.
func DisplayName(p *domain.Profile, userID string) string {
	if p != nil {
		for _, s := range []string{
			p.BusinessName,
			p.FullName,
			strings.Join(strings.Fields(p.FirstName+" "+p.LastName), " "),
		} {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
		}
	}
	if strings.TrimSpace(userID) != "" {
		return userID
	}
	return unknownUser
}
