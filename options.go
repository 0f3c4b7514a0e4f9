package provider

// ProviderHandler configures a WasmcloudProvider during New.
type ProviderHandler func(*WasmcloudProvider) error

// Init registers a callback run once after the provider connection is
// established and before the initial link definitions are replayed.
func Init(inFunc func(*WasmcloudProvider) error) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.initFunc = inFunc
		return nil
	}
}

// SourceLinkPut registers the callback invoked when a link is established with
// this provider as the source.
func SourceLinkPut(inFunc func(LinkConfig) error) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.putSourceLinkFunc = inFunc
		return nil
	}
}

// TargetLinkPut registers the callback invoked when a link is established with
// this provider as the target.
func TargetLinkPut(inFunc func(LinkConfig) error) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.putTargetLinkFunc = inFunc
		return nil
	}
}

func SourceLinkDel(inFunc func(InterfaceLinkDefinition) error) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.delSourceLinkFunc = inFunc
		return nil
	}
}

func TargetLinkDel(inFunc func(InterfaceLinkDefinition) error) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.delTargetLinkFunc = inFunc
		return nil
	}
}

func HealthCheck(inFunc func(HealthCheckRequest) (HealthCheckResponse, error)) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.healthFunc = inFunc
		return nil
	}
}

// ConfigUpdate registers the callback invoked when the host pushes updated
// named configuration.
func ConfigUpdate(inFunc func(map[string]string) error) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.configUpdateFunc = inFunc
		return nil
	}
}

func Shutdown(inFunc func() error) ProviderHandler {
	return func(wp *WasmcloudProvider) error {
		wp.shutdownFunc = inFunc
		return nil
	}
}
