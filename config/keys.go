package config

// Property keys. Environment variables override them as HUBMESH_ followed by
// the key without its "hubmesh." prefix, upper-cased, dots replaced by
// underscores: hubmesh.hub.port becomes HUBMESH_HUB_PORT.
const (
	KeyHubPort               = "hubmesh.hub.port"
	KeyHubAddresses          = "hubmesh.hub.addresses"
	KeyHubName               = "hubmesh.hub.name"
	KeyHubClusters           = "hubmesh.hub.clusters"
	KeyHubConnectTimeout     = "hubmesh.hub.connect.timeout"
	KeyHubHops               = "hubmesh.hub.hops"
	KeyGossipInterval        = "hubmesh.hub.gossip.interval"
	KeyHubStatistics         = "hubmesh.hub.statistics"
	KeyHubStatisticsInterval = "hubmesh.hub.statistics.interval"

	KeyDiscoveryEnabled = "hubmesh.discovery.enabled"
	KeyDiscoveryPort    = "hubmesh.discovery.port"
	KeyDiscoveryTimeout = "hubmesh.discovery.timeout"
	KeyDiscoveryCluster = "hubmesh.discovery.cluster"

	KeyEtcdEndpoints = "hubmesh.etcd.endpoints"
	KeyEtcdPrefix    = "hubmesh.etcd.prefix"
	KeyEtcdTTL       = "hubmesh.etcd.ttl"

	KeyMetricsAddress = "hubmesh.metrics.address"

	KeyVirtualModules = "hubmesh.virtual.modules"
	KeyVirtualBacklog = "hubmesh.virtual.backlog"
	KeyVirtualTimeout = "hubmesh.virtual.connect.timeout"
	KeyVirtualCredit  = "hubmesh.virtual.credit"
	KeyVirtualPort    = "hubmesh.virtual.direct.port"

	KeySplicePortRange = "hubmesh.splice.port.range"
	KeySpliceAttempts  = "hubmesh.splice.attempts"
	KeySpliceTimeout   = "hubmesh.splice.timeout"

	KeySocketSimulation = "hubmesh.socket.simulation"
	KeySocketProxy      = "hubmesh.socket.proxy"
	KeySocketTimeout    = "hubmesh.socket.timeout"
	KeySocketReuse      = "hubmesh.socket.reuse"

	KeyLogLevel = "hubmesh.log.level"
)

// defaults holds the value of every known key.
var defaults = map[string]string{
	KeyHubPort:               "17878",
	KeyHubAddresses:          "",
	KeyHubName:               "",
	KeyHubClusters:           "",
	KeyHubConnectTimeout:     "5s",
	KeyHubHops:               "1",
	KeyGossipInterval:        "3s",
	KeyHubStatistics:         "false",
	KeyHubStatisticsInterval: "60s",

	KeyDiscoveryEnabled: "false",
	KeyDiscoveryPort:    "24545",
	KeyDiscoveryTimeout: "2s",
	KeyDiscoveryCluster: "",

	KeyEtcdEndpoints: "",
	KeyEtcdPrefix:    "/hubmesh",
	KeyEtcdTTL:       "10s",

	KeyMetricsAddress: "",

	KeyVirtualModules: "direct,splice,hubrouted",
	KeyVirtualBacklog: "50",
	KeyVirtualTimeout: "10s",
	KeyVirtualCredit:  "64k",
	KeyVirtualPort:    "0",

	KeySplicePortRange: "5",
	KeySpliceAttempts:  "3",
	KeySpliceTimeout:   "10s",

	KeySocketSimulation: "false",
	KeySocketProxy:      "",
	KeySocketTimeout:    "5s",
	KeySocketReuse:      "true",

	KeyLogLevel: "info",
}
