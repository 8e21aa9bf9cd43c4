package topology

import (
	"encoding/json"
	"fmt"
)

// ServiceInstance is how a backend instance describes itself in the polled
// registries (etcd and redis).  It is stored there as JSON.
type ServiceInstance struct {
	ID             string            `json:"id"`
	Service        string            `json:"service"`
	Address        string            `json:"address"`
	Ports          map[string]uint32 `json:"ports"`
	Weight         uint32            `json:"weight,omitempty"`
	PartitionCount uint32            `json:"partitionCount,omitempty"`
	PartitionID    uint32            `json:"partitionId,omitempty"`
	Version        string            `json:"version,omitempty"`
	Offline        bool              `json:"offline,omitempty"`
	Heartbeat      bool              `json:"heartbeat,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}

func ParseServiceInstance(data []byte) (*ServiceInstance, error) {
	var inst ServiceInstance
	err := json.Unmarshal(data, &inst)
	if err != nil {
		return nil, fmt.Errorf("failed to parse service instance: %w", err)
	}

	if inst.Address == "" {
		return nil, fmt.Errorf("service instance %q has no address", inst.ID)
	}

	return &inst, nil
}

func (i *ServiceInstance) Marshal() ([]byte, error) {
	return json.Marshal(i)
}

// Record converts the instance into an endpoint record for the named service.
// The service name given wins over the one embedded in the instance.
func (i *ServiceInstance) Record(service string) *EndpointRecord {
	weight := i.Weight
	if weight == 0 {
		weight = 1
	}

	ports := make(map[string]uint32, len(i.Ports))
	for proto, port := range i.Ports {
		ports[proto] = port
	}

	return &EndpointRecord{
		ServiceName:       service,
		PartitionCount:    i.PartitionCount,
		PartitionID:       i.PartitionID,
		Version:           i.Version,
		Weight:            weight,
		Address:           i.Address,
		Ports:             ports,
		Valid:             !i.Offline,
		SupportsHeartbeat: i.Heartbeat,
		NodeMeta:          i.Meta,
	}
}
