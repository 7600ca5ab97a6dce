package advertising

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// recordExt marks advertising records next to the bearer sockets
const recordExt = ".adv"

// Advertisement is what a scanner learns about one device: its advertising
// data and scan response, each at most MaxAdvertisingDataLen bytes.
type Advertisement struct {
	Address      string
	AdvData      []byte
	ScanResponse []byte
}

// NewAdvertisement builds a connectable advertisement: flags and solicited
// services in the advertising data, the local name in the scan response.
func NewAdvertisement(address, name string, solicited ...uuid.UUID) (*Advertisement, error) {
	ads := []ADStructure{NewFlagsAD(FlagLEGeneralDiscoverableMode | FlagBREDRNotSupported)}
	if len(solicited) > 0 {
		s, err := NewSolicitationAD(solicited...)
		if err != nil {
			return nil, err
		}
		ads = append(ads, s)
	}
	advData, err := EncodeADStructures(ads)
	if err != nil {
		return nil, err
	}
	scanRsp, err := EncodeADStructures([]ADStructure{NewCompleteLocalNameAD(name)})
	if err != nil {
		return nil, err
	}
	return &Advertisement{Address: address, AdvData: advData, ScanResponse: scanRsp}, nil
}

func (a *Advertisement) structures() []ADStructure {
	adv, _ := DecodeADStructures(a.AdvData)
	rsp, _ := DecodeADStructures(a.ScanResponse)
	return append(adv, rsp...)
}

// Name returns the advertised local name
func (a *Advertisement) Name() string {
	return GetLocalName(a.structures())
}

// Solicits reports whether the advertiser asks for service
func (a *Advertisement) Solicits(service uuid.UUID) bool {
	for _, s := range GetSolicitedServices(a.structures()) {
		if s == service {
			return true
		}
	}
	return false
}

// Encode lays the record out as [len][AdvData][len][ScanResponse]
func (a *Advertisement) Encode() []byte {
	buf := []byte{byte(len(a.AdvData))}
	buf = append(buf, a.AdvData...)
	buf = append(buf, byte(len(a.ScanResponse)))
	return append(buf, a.ScanResponse...)
}

// DecodeAdvertisement parses a record written by Encode
func DecodeAdvertisement(address string, data []byte) (*Advertisement, error) {
	if len(data) < 1 || len(data) < 1+int(data[0])+1 {
		return nil, fmt.Errorf("advertising: record for %s truncated", address)
	}
	n := int(data[0])
	adv := data[1 : 1+n]
	rest := data[1+n:]
	m := int(rest[0])
	if len(rest) < 1+m {
		return nil, fmt.Errorf("advertising: scan response for %s truncated", address)
	}
	if n > MaxAdvertisingDataLen || m > MaxAdvertisingDataLen {
		return nil, fmt.Errorf("advertising: record for %s exceeds %d bytes", address, MaxAdvertisingDataLen)
	}
	return &Advertisement{
		Address:      address,
		AdvData:      append([]byte{}, adv...),
		ScanResponse: append([]byte{}, rest[1:1+m]...),
	}, nil
}

// Publish writes the advertisement into dir, replacing an older one
func Publish(dir string, a *Advertisement) error {
	path := filepath.Join(dir, a.Address+recordExt)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, a.Encode(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Withdraw stops advertising address
func Withdraw(dir, address string) {
	os.Remove(filepath.Join(dir, address+recordExt))
}

// Lookup reads the advertisement of one device
func Lookup(dir, address string) (*Advertisement, error) {
	data, err := os.ReadFile(filepath.Join(dir, address+recordExt))
	if err != nil {
		return nil, err
	}
	return DecodeAdvertisement(address, data)
}

// Scan returns every readable advertisement in dir, sorted by address.
// Unreadable records are skipped.
func Scan(dir string) ([]*Advertisement, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var out []*Advertisement
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		a, err := Lookup(dir, strings.TrimSuffix(name, recordExt))
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}
