package storage

// Table names required by spec.md §6.5. Every Store implementation must
// create these lazily on first use (syncerr.ErrTableMissing is reserved
// for implementations that enforce an explicit schema).
const (
	TableRealms               = "realms"
	TableRealmKeys            = "realm_keys"
	TableDocuments            = "documents"
	TableIdentity             = "identity"
	TableProfileKeys          = "profile_keys"
	TablePeers                = "peers"
	TablePeersByDID           = "peers_by_did"
	TableContacts             = "contacts"
	TablePendingContacts      = "pending_contacts"
	TableGeneratedInvites     = "generated_invites"
	TableRevokedInvites       = "revoked_invites"
	TablePinnedProfiles       = "pinned_profiles"
	TablePinners              = "pinners"
	TableProfileLogs          = "profile_logs"
	TableLogHeads             = "log_heads"
	TablePacketsForRecipient  = "packets_for_recipient"
	TableEndpointSecretKey    = "endpoint_secret_key"
)
