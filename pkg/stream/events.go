package stream

// Event types published on the ledger stream. Subscribers get every accepted
// chain record plus anchor confirmations; rejected submissions are never
// streamed.
const (
	EventRecordAccepted  = "record.accepted"
	EventAnchorPublished = "anchor.published"
	EventChainVerified   = "chain.verified"
)
