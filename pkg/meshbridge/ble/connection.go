package ble

import (
	"context"
	"errors"
	"fmt"

	"tinygo.org/x/bluetooth"

	"github.com/meshtastic/pluginmeshtastic/pkg/meshbridge"
)

// deviceConn holds one live BLE connection and the three mesh
// characteristics everything else operates on.
type deviceConn struct {
	device    bluetooth.Device
	fromRadio bluetooth.DeviceCharacteristic
	toRadio   bluetooth.DeviceCharacteristic
	fromNum   bluetooth.DeviceCharacteristic
}

// dial scans for the target device, connects and discovers the mesh service
// characteristics.
func dial(ctx context.Context, adapter *bluetooth.Adapter, matchFunc deviceMatchFunc) (*deviceConn, error) {
	candidate := make(chan bluetooth.ScanResult, 1)
	err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		if matchFunc(result) {
			_ = adapter.StopScan()
			select {
			case candidate <- result:
			default:
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to seek device: %w", err)
	}

	var result bluetooth.ScanResult
	select {
	case <-ctx.Done():
		_ = adapter.StopScan()
		return nil, scanAbort(ctx.Err())
	case result = <-candidate:
	}

	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect device %s: %w", result.Address, err)
	}

	services, err := device.DiscoverServices([]bluetooth.UUID{MeshBluetoothServiceID})
	switch {
	case err != nil:
		return nil, fmt.Errorf("failed to search MeshBluetoothService: %w", err)
	case len(services) < 1:
		return nil, fmt.Errorf("no MeshBluetoothService on device %s", device.Address)
	}
	service := services[0]

	properties, err := service.DiscoverCharacteristics([]bluetooth.UUID{
		FromRadioPropertyID, ToRadioPropertyID, FromNumPropertyID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover BLE characteristics: %w", err)
	}

	return &deviceConn{
		device:    device,
		fromRadio: properties[0],
		toRadio:   properties[1],
		fromNum:   properties[2],
	}, nil
}

// scanAbort maps an expired scan deadline to the transport timeout sentinel;
// explicit cancellation passes through unchanged.
func scanAbort(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return meshbridge.ErrLinkTimeout
	}
	return err
}

// deviceMatchFunc selects the target device among scan results.
type deviceMatchFunc func(result bluetooth.ScanResult) bool

func matchMacAddress(address string) deviceMatchFunc {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return matchNoDevice
	}
	return func(result bluetooth.ScanResult) bool {
		return result.Address.MAC == mac
	}
}

func matchName(name string) deviceMatchFunc {
	return func(result bluetooth.ScanResult) bool {
		return result.LocalName() == name
	}
}

func matchNoDevice(_ bluetooth.ScanResult) bool {
	return false
}
