package api

// Stats summarizes capacity and utilization. It is derived from the store
// on request and is never consulted when admitting an allocation.
type Stats struct {
	Network            string `json:"network_cidr"`
	TotalAddresses     uint64 `json:"total_addresses"`
	ProtectedAddresses uint64 `json:"protected_addresses"`
	UsableAddresses    uint64 `json:"usable_addresses"`

	// AllocatedAddresses sums the addresses held across all clusters.
	// Clusters overlap on purpose, so this can exceed UsableAddresses.
	AllocatedAddresses uint64  `json:"allocated_addresses"`
	AvailableAddresses uint64  `json:"available_addresses"`
	UtilizationPercent float64 `json:"utilization_percent"`

	AddressesPerLab        int    `json:"addresses_per_lab"`
	EstimatedRemainingLabs uint64 `json:"estimated_remaining_labs"`

	ActiveLabs int            `json:"active_labs"`
	Clusters   []ClusterStats `json:"clusters"`
}

// ClusterStats is the utilization of a single cluster scope.
type ClusterStats struct {
	Cluster            string `json:"cluster"`
	Labs               int    `json:"labs"`
	AllocatedAddresses uint64 `json:"allocated_addresses"`

	// NextAddress is the address the bump cursor points at, empty when the
	// cursor reached the end of the network.
	NextAddress string `json:"next_address,omitempty"`

	UsageByRole map[AddressRole]uint64 `json:"usage_by_role"`
}
