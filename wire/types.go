package wire

// Characteristic properties as published in gatt.json
const (
	PropWrite                = "write"
	PropWriteWithoutResponse = "write_without_response"
	PropNotify               = "notify"
)

// CCCD values written to enable/disable notifications
var (
	CCCDEnableNotifications = []byte{0x01, 0x00}
	CCCDDisable             = []byte{0x00, 0x00}
)

// AdvertisingData is what a device broadcasts while connectable
type AdvertisingData struct {
	DeviceName    string   `json:"device_name"`
	ServiceUUIDs  []string `json:"service_uuids"`
	TxPowerLevel  *int     `json:"tx_power_level,omitempty"`
	RSSI          int      `json:"rssi,omitempty"`
	IsConnectable bool     `json:"is_connectable"`
}

// GATTTable is a device's published attribute database
type GATTTable struct {
	Services []GATTService `json:"services"`
}

// GATTService is one primary service and its characteristics
type GATTService struct {
	UUID            string               `json:"uuid"`
	Handle          uint16               `json:"handle"`
	Characteristics []GATTCharacteristic `json:"characteristics"`
}

// GATTCharacteristic is one characteristic. Handle is the value handle;
// notifying characteristics carry their CCCD at Handle+1.
type GATTCharacteristic struct {
	UUID       string   `json:"uuid"`
	Handle     uint16   `json:"handle"`
	Properties []string `json:"properties"`
}

// HasProperty reports whether the characteristic advertises prop
func (c GATTCharacteristic) HasProperty(prop string) bool {
	for _, p := range c.Properties {
		if p == prop {
			return true
		}
	}
	return false
}

// CCCDHandle returns the descriptor handle used to subscribe
func (c GATTCharacteristic) CCCDHandle() uint16 {
	return c.Handle + 1
}

// Find returns the characteristic with charUUID inside serviceUUID
func (t *GATTTable) Find(serviceUUID, charUUID string) (GATTCharacteristic, bool) {
	for _, svc := range t.Services {
		if !sameUUID(svc.UUID, serviceUUID) {
			continue
		}
		for _, c := range svc.Characteristics {
			if sameUUID(c.UUID, charUUID) {
				return c, true
			}
		}
	}
	return GATTCharacteristic{}, false
}

// byHandle returns the characteristic whose value or CCCD handle is h
func (t *GATTTable) byHandle(h uint16) (GATTCharacteristic, bool, bool) {
	for _, svc := range t.Services {
		for _, c := range svc.Characteristics {
			if c.Handle == h {
				return c, false, true
			}
			if c.HasProperty(PropNotify) && c.CCCDHandle() == h {
				return c, true, true
			}
		}
	}
	return GATTCharacteristic{}, false, false
}

// AssignHandles lays the table out the way a GATT server would: service
// declaration, then per characteristic a declaration, the value and, for
// notifying characteristics, the CCCD.
func (t *GATTTable) AssignHandles() {
	next := uint16(1)
	for i := range t.Services {
		t.Services[i].Handle = next
		next++
		for j := range t.Services[i].Characteristics {
			c := &t.Services[i].Characteristics[j]
			next++ // declaration
			c.Handle = next
			next++
			if c.HasProperty(PropNotify) {
				next++
			}
		}
	}
}
