// Package channels names the private broadcast channels and decides who
// may subscribe to them.
package channels

import (
	"errors"
	"strings"
)

type Family string

const (
	FamilySeller       Family = "seller"
	FamilyThread       Family = "thread"
	FamilyConversation Family = "conversation"
	FamilyUser         Family = "user"
)

const (
	prefixSeller       = "private-seller-"
	prefixThread       = "private-thread-"
	prefixConversation = "private-conversation-"
	prefixUser         = "private-user-"

	maxSlugLen = 64
	emptySlug  = "anonymous"
)

var ErrUnknownChannel = errors.New("unknown channel")

func Seller(sellerID string) string { return prefixSeller + sellerID }

func Thread(sellerID, email string) string {
	return prefixThread + sellerID + "-" + EmailSlug(email)
}

func Conversation(conversationID string) string { return prefixConversation + conversationID }

func User(userID string) string { return prefixUser + userID }

// EmailSlug lowercases the address, collapses every run of characters
// outside [a-z0-9] into one hyphen, trims hyphens at both ends and caps
// the result at 64 characters. The transform is lossy: "a.b@x.com" and
// "a-b@x-com" share a slug.
func EmailSlug(email string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range strings.ToLower(strings.TrimSpace(email)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingHyphen && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingHyphen = false
			b.WriteRune(r)
			continue
		}
		pendingHyphen = true
	}
	s := b.String()
	if len(s) > maxSlugLen {
		s = strings.TrimRight(s[:maxSlugLen], "-")
	}
	if s == "" {
		return emptySlug
	}
	return s
}

// Ref is a parsed channel name. For the thread family ID holds the
// "{sellerId}-{slug}" remainder, which cannot be split without knowing
// one of its halves.
type Ref struct {
	Family Family
	ID     string
}

func Parse(name string) (Ref, error) {
	for _, p := range []struct {
		prefix string
		family Family
	}{
		{prefixSeller, FamilySeller},
		{prefixThread, FamilyThread},
		{prefixConversation, FamilyConversation},
		{prefixUser, FamilyUser},
	} {
		if strings.HasPrefix(name, p.prefix) {
			id := strings.TrimPrefix(name, p.prefix)
			if id == "" {
				return Ref{}, ErrUnknownChannel
			}
			return Ref{Family: p.family, ID: id}, nil
		}
	}
	return Ref{}, ErrUnknownChannel
}

// SplitThread splits a thread remainder using the expected trailing slug.
// It reports false when the remainder does not end in "-{slug}" or the
// seller segment would be empty.
func SplitThread(rest, slug string) (sellerID string, ok bool) {
	suffix := "-" + slug
	if !strings.HasSuffix(rest, suffix) {
		return "", false
	}
	sellerID = strings.TrimSuffix(rest, suffix)
	return sellerID, sellerID != ""
}
