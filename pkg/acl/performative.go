package acl

// Performative is the declared intent of a message. The set is closed:
// engines switch over it exhaustively and unrecognized values are answered
// with a not_understood reply instead of being routed.
type Performative string

const (
	Inform         Performative = "inform"
	Request        Performative = "request"
	QueryIf        Performative = "query_if"
	QueryRef       Performative = "query_ref"
	CFP            Performative = "cfp"
	Propose        Performative = "propose"
	AcceptProposal Performative = "accept_proposal"
	RejectProposal Performative = "reject_proposal"
	Agree          Performative = "agree"
	Refuse         Performative = "refuse"
	Failure        Performative = "failure"
	NotUnderstood  Performative = "not_understood"
)

// Known reports whether p is a recognized performative.
func (p Performative) Known() bool {
	switch p {
	case Inform, Request, QueryIf, QueryRef, CFP, Propose,
		AcceptProposal, RejectProposal, Agree, Refuse, Failure, NotUnderstood:
		return true
	}
	return false
}

// RoutingStrategy selects how a capability reference resolves to recipients.
type RoutingStrategy string

const (
	BestMatch    RoutingStrategy = "best_match"
	Broadcast    RoutingStrategy = "broadcast"
	LoadBalanced RoutingStrategy = "load_balanced"
)

// Known reports whether s is a recognized routing strategy.
func (s RoutingStrategy) Known() bool {
	switch s {
	case BestMatch, Broadcast, LoadBalanced:
		return true
	}
	return false
}

// Interaction protocol names carried in the wire message's protocol field.
const (
	ProtocolRequest     = "fipa-request"
	ProtocolContractNet = "contract-net"
)
