package provider

// linkWithEncryptedSecrets is the wire form of a link definition. The per-side
// secrets are serialized and sealed to the provider's xkey; they decrypt and
// deserialize into a map[string]SecretValue.
type linkWithEncryptedSecrets struct {
	SourceID      string            `json:"source_id,omitempty"`
	Target        string            `json:"target,omitempty"`
	Name          string            `json:"name,omitempty"`
	WitNamespace  string            `json:"wit_namespace,omitempty"`
	WitPackage    string            `json:"wit_package,omitempty"`
	Interfaces    []string          `json:"interfaces,omitempty"`
	SourceConfig  map[string]string `json:"source_config,omitempty"`
	TargetConfig  map[string]string `json:"target_config,omitempty"`
	SourceSecrets []byte            `json:"source_secrets,omitempty"`
	TargetSecrets []byte            `json:"target_secrets,omitempty"`
}

// InterfaceLinkDefinition describes a named, directional link between a
// component and this provider over a set of WIT interfaces.
type InterfaceLinkDefinition struct {
	SourceID     string            `json:"source_id,omitempty"`
	Target       string            `json:"target,omitempty"`
	Name         string            `json:"name,omitempty"`
	WitNamespace string            `json:"wit_namespace,omitempty"`
	WitPackage   string            `json:"wit_package,omitempty"`
	Interfaces   []string          `json:"interfaces,omitempty"`
	SourceConfig map[string]string `json:"source_config,omitempty"`
	TargetConfig map[string]string `json:"target_config,omitempty"`
}

func (l linkWithEncryptedSecrets) definition() InterfaceLinkDefinition {
	return InterfaceLinkDefinition{
		SourceID:     l.SourceID,
		Target:       l.Target,
		Name:         l.Name,
		WitNamespace: l.WitNamespace,
		WitPackage:   l.WitPackage,
		Interfaces:   l.Interfaces,
		SourceConfig: l.SourceConfig,
		TargetConfig: l.TargetConfig,
	}
}

// LinkConfig is the role-scoped view of a link handed to the provider's
// receive-link callbacks: only the config and (decrypted) secrets for the
// provider's side of the link are included. Secrets are not retained by the
// SDK after the callback returns.
type LinkConfig struct {
	SourceID     string
	TargetID     string
	LinkName     string
	WitNamespace string
	WitPackage   string
	Interfaces   []string
	Config       map[string]string
	Secrets      map[string]SecretValue
}
