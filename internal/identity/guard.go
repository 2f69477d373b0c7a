// Package identity keeps the local participant from ever being treated as
// their own partner.
//
// Two namespaces are checked independently. Transport ids are assigned by
// the relay per socket and catch a relay pairing a connection with itself
// or echoing a broadcast back to its sender. Auth ids are durable account
// identities and catch the same person being paired across two sockets.
// Anonymous participants carry no auth id and are never rejected by the
// second check.
package identity

import (
	"fmt"

	"github.com/mossy-p/webrtc-matchmaking/internal/faults"
	"github.com/mossy-p/webrtc-matchmaking/internal/models"
)

// Local is the local participant as known at the time of a check.
type Local struct {
	TransportID string
	AuthID      string
}

// CheckFound validates that a partnerFound payload names someone else.
func CheckFound(local Local, found models.PartnerFound) error {
	if local.TransportID != "" && found.PartnerID == local.TransportID {
		return fmt.Errorf("partner transport id %s is our own: %w", found.PartnerID, faults.ErrSelfMatch)
	}
	if local.AuthID != "" && found.PartnerAuthID != "" && found.PartnerAuthID == local.AuthID {
		return fmt.Errorf("partner auth id is our own: %w", faults.ErrSelfMatch)
	}
	return nil
}

// IsSelf reports whether senderID is the local transport. Signals and chat
// messages from ourselves are dropped rather than processed.
func IsSelf(local Local, senderID string) bool {
	return local.TransportID != "" && senderID == local.TransportID
}
