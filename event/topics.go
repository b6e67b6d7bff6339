package event

// Swarm, connection, and muxer lifecycle topics (spec.md §6 "External
// events (published)"). Payload types are documented per-topic; publishers
// live in swarm and connmgr. ETConnClosed, ETMuxerSubstreamCreated and
// ETMuxerSubstreamClosed are declared, but no package in this module
// publishes them.
const (
	// Payload: *peer.Peer
	ETSwarmPeerDiscovered = Topic("swarm:PeerDiscovered")
	// Payload: *peer.Peer
	ETSwarmPeerRemoved = Topic("swarm:PeerRemoved")
	// Payload: *conn.PeerConnection
	ETSwarmConnectionEstablished = Topic("swarm:ConnectionEstablished")
	// Payload: *peer.Peer
	ETSwarmPeerDisconnected = Topic("swarm:PeerDisconnected")
	// Payload: *peer.Peer
	ETSwarmPeerNotReachable = Topic("swarm:PeerNotReachable")
	// Payload: *peer.Peer
	ETSwarmListenerEstablished = Topic("swarm:ListenerEstablished")
	// Payload: *conn.PeerConnection
	ETConnClosed = Topic("conn:Closed")
	// Payload: *mplex.Substream
	ETMuxerSubstreamCreated = Topic("mplex:SubstreamCreated")
	// Payload: *mplex.Substream
	ETMuxerSubstreamClosed = Topic("mplex:SubstreamClosed")
)
