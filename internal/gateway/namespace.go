package gateway

// Namespace is one independently flagged websocket endpoint.
type Namespace string

const (
	NamespaceCollab    Namespace = "collab"
	NamespaceLogs      Namespace = "logs"
	NamespacePair      Namespace = "pair"
	NamespaceAwareness Namespace = "awareness"
	NamespaceTakeover  Namespace = "takeover"
)

// Namespaces lists every namespace in mount order.
func Namespaces() []Namespace {
	return []Namespace{NamespaceCollab, NamespaceLogs, NamespacePair, NamespaceAwareness, NamespaceTakeover}
}

// Path is the HTTP path the namespace is served on.
func (n Namespace) Path() string {
	return "/ws/" + string(n)
}

var namespaceMessages = map[Namespace]map[MessageType]struct{}{
	NamespaceCollab: messageSet(
		TypePresenceJoin, TypePresenceUpdate, TypePresenceLeave, TypeCursorUpdate, TypeSyncUpdate,
	),
	NamespaceLogs: messageSet(TypeLogsSubscribe, TypeLogsUnsubscribe),
	NamespacePair: messageSet(
		TypePairJoin, TypePairRequestControl, TypePairGrantControl, TypePairRevokeControl,
		TypePairSyncCursor, TypePairSyncScroll,
	),
	NamespaceAwareness: messageSet(TypePresenceJoin, TypePresenceUpdate, TypePresenceLeave),
	NamespaceTakeover: messageSet(
		TypeTakeoverJoin, TypeTakeoverRequestView, TypeTakeoverAcceptView, TypeTakeoverDeclineView,
		TypeTakeoverRequestCoControl, TypeTakeoverRespondCoControl, TypeTakeoverEmergencyOverride,
		TypeTakeoverEnd,
	),
}

// Accepts reports whether the namespace handles messageType.
func (n Namespace) Accepts(messageType MessageType) bool {
	_, ok := namespaceMessages[n][messageType]
	return ok
}

func messageSet(types ...MessageType) map[MessageType]struct{} {
	set := make(map[MessageType]struct{}, len(types))
	for _, messageType := range types {
		set[messageType] = struct{}{}
	}
	return set
}

// Features toggles namespaces.
type Features struct {
	Collab    bool
	Logs      bool
	Pair      bool
	Awareness bool
	Takeover  bool
}

// AllFeatures enables every namespace.
func AllFeatures() Features {
	return Features{Collab: true, Logs: true, Pair: true, Awareness: true, Takeover: true}
}

// Enabled reports whether namespace is switched on.
func (f Features) Enabled(namespace Namespace) bool {
	switch namespace {
	case NamespaceCollab:
		return f.Collab
	case NamespaceLogs:
		return f.Logs
	case NamespacePair:
		return f.Pair
	case NamespaceAwareness:
		return f.Awareness
	case NamespaceTakeover:
		return f.Takeover
	default:
		return false
	}
}
