package qinet

// ServiceInfo is the directory's record for one registered service (§3
// ServiceInfo). serviceId is assigned by the directory on registration.
type ServiceInfo struct {
	Name      string
	MachineID string
	ProcessID uint32
	Endpoints []string
	ServiceID uint32
}

// EncodeServiceInfo serializes info with the shared Codec in field order:
// name, machineId, processId, endpoints, serviceId.
func EncodeServiceInfo(c *Codec, info ServiceInfo) {
	c.WriteString(info.Name)
	c.WriteString(info.MachineID)
	c.WriteU32(info.ProcessID)
	c.WriteStrings(info.Endpoints)
	c.WriteU32(info.ServiceID)
}

// DecodeServiceInfo reads a ServiceInfo written by EncodeServiceInfo.
func DecodeServiceInfo(c *Codec) (ServiceInfo, error) {
	var info ServiceInfo
	var err error
	if info.Name, err = c.ReadString(); err != nil {
		return info, err
	}
	if info.MachineID, err = c.ReadString(); err != nil {
		return info, err
	}
	if info.ProcessID, err = c.ReadU32(); err != nil {
		return info, err
	}
	if info.Endpoints, err = c.ReadStrings(); err != nil {
		return info, err
	}
	if info.ServiceID, err = c.ReadU32(); err != nil {
		return info, err
	}
	return info, nil
}
