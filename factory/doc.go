// Package factory selects the socket factory used by hubs and clients.
//
// Provider reads the socket settings from config.Properties (which already
// include HUBMESH_* environment overrides), validates them against bounds
// and creates either the real TCP factory or the in-memory simulation:
//
//	provider := factory.NewProvider(props, nil)
//	sockets, err := provider.CreateSocketFactory()
//
// Tests can ask for a simulation directly:
//
//	network := provider.CreateSimulationForTesting(factory.WithDialTimeout(time.Second))
package factory
