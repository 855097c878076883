package main

import (
	"errors"
	"fmt"
	"sort"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// PortInfo 序列埠資訊
type PortInfo struct {
	Name         string `json:"name"`
	IsUSB        bool   `json:"is_usb"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

func (p PortInfo) String() string {
	if !p.IsUSB {
		return p.Name
	}
	s := fmt.Sprintf("%s [USB %s:%s]", p.Name, p.VID, p.PID)
	if p.Product != "" {
		s += " " + p.Product
	}
	return s
}

// ListPorts 列出系統上的序列埠，無法取得 USB 細節時退回只列名稱
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		ports := make([]PortInfo, 0, len(details))
		for _, d := range details {
			ports = append(ports, PortInfo{
				Name:         d.Name,
				IsUSB:        d.IsUSB,
				VID:          d.VID,
				PID:          d.PID,
				SerialNumber: d.SerialNumber,
				Product:      d.Product,
			})
		}
		sortPorts(ports)
		return ports, nil
	}

	names, listErr := serial.GetPortsList()
	if listErr != nil {
		return nil, fmt.Errorf("列出序列埠失敗: %w", errors.Join(err, listErr))
	}
	ports := make([]PortInfo, 0, len(names))
	for _, name := range names {
		ports = append(ports, PortInfo{Name: name})
	}
	sortPorts(ports)
	return ports, nil
}

func sortPorts(ports []PortInfo) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Name < ports[j].Name })
}

// CheckPort 嘗試以指定參數開啟序列埠後立即關閉，確認沒有被其他程式占用
func CheckPort(cfg SerialConfig) error {
	mode, err := serialMode(cfg)
	if err != nil {
		return err
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return &ConnectionError{Port: cfg.Port, Err: err}
	}
	return port.Close()
}

// serialMode 將 SerialConfig 轉為 go.bug.st/serial 的 Mode
func serialMode(cfg SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
	}

	parity, err := NormalizeParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	switch parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}

	switch cfg.StopBits {
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		mode.StopBits = serial.OneStopBit
	}
	return mode, nil
}
