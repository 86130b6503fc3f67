package channels

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fathima-sithara/marketplace-messaging/internal/apperr"
	"github.com/fathima-sithara/marketplace-messaging/internal/auth"
)

type MembershipChecker interface {
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
}

// ThreadLookup reports whether a legacy thread exists between the seller
// and the given buyer email.
type ThreadLookup interface {
	ThreadExists(ctx context.Context, sellerID, senderEmail string) (bool, error)
}

// Authorizer answers subscription requests. Nothing is cached: socket ids
// are per connection and membership can change between subscriptions.
type Authorizer struct {
	members MembershipChecker
	threads ThreadLookup
	signer  *GrantSigner
	log     *zap.Logger
}

func NewAuthorizer(members MembershipChecker, threads ThreadLookup, signer *GrantSigner, log *zap.Logger) *Authorizer {
	return &Authorizer{members: members, threads: threads, signer: signer, log: log}
}

func (a *Authorizer) Authorize(ctx context.Context, caller auth.Identity, socketID, channel string) (Grant, error) {
	if caller.ID == "" {
		return Grant{}, apperr.Unauthenticated("authentication required")
	}
	if strings.TrimSpace(socketID) == "" || strings.TrimSpace(channel) == "" {
		return Grant{}, apperr.InvalidArgument("socket_id and channel_name are required")
	}

	ok, err := a.allowed(ctx, caller, channel)
	if err != nil {
		return Grant{}, err
	}
	if !ok {
		a.log.Info("channel subscription rejected",
			zap.String("user_id", caller.ID), zap.String("channel", channel))
		return Grant{}, apperr.Forbidden("not allowed to subscribe to this channel")
	}
	return a.signer.Sign(caller.ID, socketID, channel)
}

func (a *Authorizer) allowed(ctx context.Context, caller auth.Identity, channel string) (bool, error) {
	ref, err := Parse(channel)
	if err != nil {
		return false, nil
	}

	switch ref.Family {
	case FamilySeller, FamilyUser:
		return ref.ID == caller.ID, nil

	case FamilyConversation:
		ok, err := a.members.IsMember(ctx, ref.ID, caller.ID)
		if err != nil {
			return false, apperr.Internal(err)
		}
		return ok, nil

	case FamilyThread:
		if caller.Email == "" {
			return false, nil
		}
		sellerID, ok := SplitThread(ref.ID, EmailSlug(caller.Email))
		if !ok {
			return false, nil
		}
		// A slug match alone would let "x@com" read the thread of
		// "b@x.com"; the thread must exist for this exact address.
		exists, err := a.threads.ThreadExists(ctx, sellerID, caller.Email)
		if err != nil {
			return false, apperr.Internal(err)
		}
		return exists, nil
	}
	return false, nil
}
