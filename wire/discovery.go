package wire

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Real BLE behavior: advertising data and GATT tables are stored per device
// under {dataDir}/devices/{id} and discovered via filesystem scanning.

const socketPrefix = "rover-"

// SocketDir is where device sockets live for a data dir
func SocketDir(dataDir string) string {
	return filepath.Join(dataDir, "sockets")
}

// DeviceDir is where a device publishes advertising.json and gatt.json
func DeviceDir(dataDir, deviceID string) string {
	return filepath.Join(dataDir, "devices", deviceID)
}

func socketPath(dataDir, deviceID string) string {
	return filepath.Join(SocketDir(dataDir), socketPrefix+deviceID+".sock")
}

// ListAvailableDevices scans the socket directory and returns device ids
func ListAvailableDevices(dataDir string) []string {
	devices := make([]string, 0)
	matches, err := filepath.Glob(filepath.Join(SocketDir(dataDir), socketPrefix+"*.sock"))
	if err != nil {
		return devices
	}
	for _, path := range matches {
		name := filepath.Base(path)
		id := strings.TrimSuffix(strings.TrimPrefix(name, socketPrefix), ".sock")
		if id != "" {
			devices = append(devices, id)
		}
	}
	return devices
}

// ReadAdvertisingData reads what a device is broadcasting.
// A device without advertising.json is not advertising.
func ReadAdvertisingData(dataDir, deviceID string) (*AdvertisingData, error) {
	data, err := os.ReadFile(filepath.Join(DeviceDir(dataDir, deviceID), "advertising.json"))
	if err != nil {
		return nil, err
	}
	var adv AdvertisingData
	if err := json.Unmarshal(data, &adv); err != nil {
		return nil, fmt.Errorf("failed to parse advertising.json: %w", err)
	}
	return &adv, nil
}

// WriteAdvertisingData publishes advertising data for deviceID
func WriteAdvertisingData(dataDir, deviceID string, adv *AdvertisingData) error {
	return writeDeviceJSON(dataDir, deviceID, "advertising.json", adv)
}

// ReadGATTTable reads the peer's attribute table (simulated service discovery)
func ReadGATTTable(dataDir, deviceID string) (*GATTTable, error) {
	data, err := os.ReadFile(filepath.Join(DeviceDir(dataDir, deviceID), "gatt.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read gatt.json: %w", err)
	}
	var table GATTTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse gatt.json: %w", err)
	}
	return &table, nil
}

// WriteGATTTable publishes deviceID's attribute table
func WriteGATTTable(dataDir, deviceID string, table *GATTTable) error {
	return writeDeviceJSON(dataDir, deviceID, "gatt.json", table)
}

func writeDeviceJSON(dataDir, deviceID, name string, v interface{}) error {
	dir := DeviceDir(dataDir, deviceID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create device directory: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

func removeDeviceFiles(dataDir, deviceID string) {
	os.Remove(filepath.Join(DeviceDir(dataDir, deviceID), "advertising.json"))
	os.Remove(socketPath(dataDir, deviceID))
}
