package provider

import (
	"testing"

	"github.com/nats-io/nkeys"
)

func testConnection(t *testing.T, providerID string) *ProviderConnection {
	t.Helper()
	providerXkey, err := nkeys.CreateCurveKeys()
	if err != nil {
		t.Fatalf("Failed to create provider xkey: %v", err)
	}
	hostXkey, err := nkeys.CreateCurveKeys()
	if err != nil {
		t.Fatalf("Failed to create host xkey: %v", err)
	}
	hostPublicKey, err := hostXkey.PublicKey()
	if err != nil {
		t.Fatalf("Failed to get host public key: %v", err)
	}
	return newProviderConnection(nil, discardLogger(), "default", "host-1", providerID, nil, providerXkey, hostPublicKey, DefaultRPCTimeout)
}

func TestLinkRegistryRoles(t *testing.T) {
	pc := testConnection(t, "provider-1")

	asSource := InterfaceLinkDefinition{
		SourceID:     "provider-1",
		Target:       "comp-1",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
	}
	asTarget := InterfaceLinkDefinition{
		SourceID:     "comp-2",
		Target:       "provider-1",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "http",
	}

	pc.putLink(asSource)
	pc.putLink(asTarget)

	if !pc.IsLinked("provider-1", "comp-1", "wasi", "keyvalue", "default") {
		t.Error("Expected source link to comp-1 to be registered")
	}
	if !pc.IsLinked("comp-2", "provider-1", "wasi", "http", "default") {
		t.Error("Expected target link from comp-2 to be registered")
	}
	if len(pc.SourceLinks()) != 1 || len(pc.TargetLinks()) != 1 {
		t.Errorf("Expected one link per role, got %d source and %d target",
			len(pc.SourceLinks()), len(pc.TargetLinks()))
	}

	// A link this provider is not part of is never registered or reported
	unrelated := InterfaceLinkDefinition{SourceID: "comp-3", Target: "comp-4", Name: "default"}
	pc.putLink(unrelated)
	if pc.IsLinked("comp-3", "comp-4", "", "", "default") {
		t.Error("A link where the provider is neither source nor target must not register")
	}

	pc.deleteLink("provider-1", "comp-1")
	if pc.IsLinked("provider-1", "comp-1", "wasi", "keyvalue", "default") {
		t.Error("Expected source link to comp-1 to be removed")
	}
	pc.deleteLink("comp-2", "provider-1")
	if pc.IsLinked("comp-2", "provider-1", "wasi", "http", "default") {
		t.Error("Expected target link from comp-2 to be removed")
	}
}

func TestIsLinkedWildcardInterface(t *testing.T) {
	pc := testConnection(t, "provider-1")

	// Links stored by pre-1.1 hosts omit the wit namespace/package
	pc.putLink(InterfaceLinkDefinition{
		SourceID: "provider-1",
		Target:   "comp-1",
		Name:     "default",
	})

	if !pc.IsLinked("provider-1", "comp-1", "wasi", "keyvalue", "default") {
		t.Error("Empty stored namespace/package must match any interface")
	}
	if pc.IsLinked("provider-1", "comp-1", "wasi", "keyvalue", "other") {
		t.Error("Link name must still match exactly")
	}

	pc.putLink(InterfaceLinkDefinition{
		SourceID:     "provider-1",
		Target:       "comp-2",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
	})
	if pc.IsLinked("provider-1", "comp-2", "wasi", "http", "default") {
		t.Error("A populated namespace/package must match exactly")
	}
}

func TestIsLinkedLatestAttachWins(t *testing.T) {
	pc := testConnection(t, "provider-1")

	pc.putLink(InterfaceLinkDefinition{
		SourceID:     "provider-1",
		Target:       "comp-1",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
		SourceConfig: map[string]string{"bucket": "old"},
	})
	pc.putLink(InterfaceLinkDefinition{
		SourceID:     "provider-1",
		Target:       "comp-1",
		Name:         "default",
		WitNamespace: "wasi",
		WitPackage:   "keyvalue",
		SourceConfig: map[string]string{"bucket": "new"},
	})

	links := pc.SourceLinks()
	if len(links) != 1 {
		t.Fatalf("Expected a single current link per key, got %d", len(links))
	}
	if links[0].SourceConfig["bucket"] != "new" {
		t.Errorf("Expected the latest attach to win, got config %v", links[0].SourceConfig)
	}
}
