package commons

import (
	"github.com/agora-collective/agora/internal/signing"
)

// Profile field limits. Nickname and description overruns are rejected;
// skills writeups are truncated instead since they are free-form prose.
const (
	MaxNickname      = 24
	MaxDescription   = 500
	MaxSkillsWriteup = 1000
)

// RegisterRequest is the signed registration body. The signature covers
// the canonical payload built by RegisterCanonical, which includes the
// profile fields so they cannot be altered in transit.
type RegisterRequest struct {
	PublicKey     string `json:"public_key"`
	Nickname      string `json:"nickname"`
	Description   string `json:"description,omitempty"`
	RepoURL       string `json:"repo_url,omitempty"`
	SkillsWriteup string `json:"skills_writeup,omitempty"`
	Timestamp     string `json:"timestamp"`
	Signature     string `json:"signature"`
}

// RegisterResponse returns the stored instance plus the caller's remaining
// registration allowance for the current window.
type RegisterResponse struct {
	Instance  *Instance `json:"instance"`
	Remaining int       `json:"remaining"`
}

// HeartbeatRequest is the signed liveness ping.
type HeartbeatRequest struct {
	InstanceID string `json:"instance_id"`
	Timestamp  string `json:"timestamp"`
	Signature  string `json:"signature"`
}

// ProfileUpdateRequest is the signed profile write.
type ProfileUpdateRequest struct {
	PublicKey     string `json:"public_key"`
	Nickname      string `json:"nickname"`
	Description   string `json:"description,omitempty"`
	SkillsWriteup string `json:"skills_writeup,omitempty"`
	Timestamp     string `json:"timestamp"`
	Signature     string `json:"signature"`
}

// PeersResponse lists online instances sharing the caller's network
// fingerprint.
type PeersResponse struct {
	Peers []*Instance `json:"peers"`
}

// GalleryResponse is one page of the public instance listing.
type GalleryResponse struct {
	Instances []*Instance `json:"instances"`
	Total     int         `json:"total"`
	Limit     int         `json:"limit"`
	Offset    int         `json:"offset"`
}

// Canonical payload builders. Client and server must call the same
// builder for an endpoint or verification spuriously fails.

func RegisterCanonical(publicKey, nickname, description, repoURL, timestamp string) []byte {
	return signing.Canonical(map[string]string{
		"description": description,
		"nickname":    nickname,
		"public_key":  publicKey,
		"repo_url":    repoURL,
		"timestamp":   timestamp,
	})
}

func HeartbeatCanonical(instanceID, timestamp string) []byte {
	return signing.Canonical(map[string]string{
		"instance_id": instanceID,
		"timestamp":   timestamp,
	})
}

func PeersCanonical(instanceID, publicKey, timestamp string) []byte {
	return signing.Canonical(map[string]string{
		"instance_id": instanceID,
		"public_key":  publicKey,
		"timestamp":   timestamp,
	})
}

func ProfileCanonical(instanceID, nickname, description, skillsWriteup, timestamp string) []byte {
	return signing.Canonical(map[string]string{
		"description":    description,
		"instance_id":    instanceID,
		"nickname":       nickname,
		"skills_writeup": skillsWriteup,
		"timestamp":      timestamp,
	})
}
