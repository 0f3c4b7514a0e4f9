package provider

import (
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
	"github.com/nats-io/nkeys"
)

// ProviderConnection is the long-lived handle to the lattice: the NATS
// connection, the provider's identity, its static configuration, the xkeys
// used to decrypt link secrets, and the link registry. It is constructed once
// during initialization and shared for the lifetime of the process.
type ProviderConnection struct {
	nats   *nats.Conn
	logger *slog.Logger

	lattice    string
	hostID     string
	providerID string

	config map[string]string

	providerXkey      nkeys.KeyPair
	hostXkeyPublicKey string

	defaultTimeout time.Duration

	// The registry maps are mutated only by the dispatch loop. Everyone else
	// holds the read side.
	lock sync.RWMutex
	// Links from the provider to other components, aka where the provider is
	// the source of the link. Indexed by the component ID of the target.
	sourceLinks map[string]InterfaceLinkDefinition
	// Links from other components to the provider, aka where the provider is
	// the target of the link. Indexed by the component ID of the source.
	targetLinks map[string]InterfaceLinkDefinition
}

func newProviderConnection(
	nc *nats.Conn,
	logger *slog.Logger,
	lattice string,
	hostID string,
	providerID string,
	config map[string]string,
	providerXkey nkeys.KeyPair,
	hostXkeyPublicKey string,
	defaultTimeout time.Duration,
) *ProviderConnection {
	return &ProviderConnection{
		nats:              nc,
		logger:            logger,
		lattice:           lattice,
		hostID:            hostID,
		providerID:        providerID,
		config:            config,
		providerXkey:      providerXkey,
		hostXkeyPublicKey: hostXkeyPublicKey,
		defaultTimeout:    defaultTimeout,
		sourceLinks:       make(map[string]InterfaceLinkDefinition),
		targetLinks:       make(map[string]InterfaceLinkDefinition),
	}
}

// ProviderID is the identity this provider was assigned by the host at startup.
func (pc *ProviderConnection) ProviderID() string {
	return pc.providerID
}

func (pc *ProviderConnection) HostID() string {
	return pc.hostID
}

func (pc *ProviderConnection) Lattice() string {
	return pc.lattice
}

// Config is the static named configuration supplied at startup.
func (pc *ProviderConnection) Config() map[string]string {
	return pc.config
}

func (pc *ProviderConnection) NatsConnection() *nats.Conn {
	return pc.nats
}

// putLink records an established link under the role this provider plays in
// it. Called by the dispatch loop only, after the receive callback succeeded.
func (pc *ProviderConnection) putLink(l InterfaceLinkDefinition) {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	if l.SourceID == pc.providerID {
		pc.sourceLinks[l.Target] = l
	} else if l.Target == pc.providerID {
		pc.targetLinks[l.SourceID] = l
	}
}

// deleteLink removes a link from whichever registry map applies.
func (pc *ProviderConnection) deleteLink(sourceID, target string) {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	if sourceID == pc.providerID {
		delete(pc.sourceLinks, target)
	} else if target == pc.providerID {
		delete(pc.targetLinks, sourceID)
	}
}

// IsLinked reports whether a current link exists between the source and target
// on the given interface and link name, with this provider on one side.
func (pc *ProviderConnection) IsLinked(sourceID, targetID, witNamespace, witPackage, linkName string) bool {
	pc.lock.RLock()
	defer pc.lock.RUnlock()

	var link InterfaceLinkDefinition
	var ok bool
	switch pc.providerID {
	case sourceID:
		link, ok = pc.sourceLinks[targetID]
	case targetID:
		link, ok = pc.targetLinks[sourceID]
	default:
		return false
	}
	if !ok {
		return false
	}
	// Links stored by older hosts may omit the wit namespace/package; an empty
	// value on the stored link matches anything.
	return (link.WitNamespace == "" || link.WitNamespace == witNamespace) &&
		(link.WitPackage == "" || link.WitPackage == witPackage) &&
		link.Name == linkName
}

// SourceLinks returns a snapshot of the links where this provider is the source.
func (pc *ProviderConnection) SourceLinks() []InterfaceLinkDefinition {
	pc.lock.RLock()
	defer pc.lock.RUnlock()
	links := make([]InterfaceLinkDefinition, 0, len(pc.sourceLinks))
	for _, l := range pc.sourceLinks {
		links = append(links, l)
	}
	return links
}

// TargetLinks returns a snapshot of the links where this provider is the target.
func (pc *ProviderConnection) TargetLinks() []InterfaceLinkDefinition {
	pc.lock.RLock()
	defer pc.lock.RUnlock()
	links := make([]InterfaceLinkDefinition, 0, len(pc.targetLinks))
	for _, l := range pc.targetLinks {
		links = append(links, l)
	}
	return links
}

// flush is called once before the dispatch loop exits.
func (pc *ProviderConnection) flush() {
	if err := pc.nats.Flush(); err != nil {
		pc.logger.Error("failed to flush NATS connection", slog.Any("error", err))
	}
}
