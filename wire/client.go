package wire

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/user/ancsrelay/logger"
	"github.com/user/ancsrelay/wire/att"
	"github.com/user/ancsrelay/wire/gatt"
)

// Central procedures. Each runs one or more request/response transactions
// on the bearer and returns when the last one completes.

// ExchangeMTU offers mtu to the server and returns the negotiated value
func (c *Conn) ExchangeMTU(ctx context.Context, mtu int) (int, error) {
	if mtu > MaxMTU {
		mtu = MaxMTU
	}
	resp, err := c.Request(ctx, &att.ExchangeMTURequest{ClientRxMTU: uint16(mtu)})
	if err != nil {
		return 0, err
	}
	server := int(resp.(*att.ExchangeMTUResponse).ServerRxMTU)
	if server < mtu {
		mtu = server
	}
	c.setMTU(mtu)
	logger.Debug(c.tag, "MTU with %s is %d", shortHash(c.peer), c.MTU())
	return c.MTU(), nil
}

// attributeNotFound ends a discovery procedure
func attributeNotFound(err error) bool {
	var attErr *att.Error
	return errors.As(err, &attErr) && attErr.Code == att.ErrAttributeNotFound
}

// Discover runs primary service, characteristic and descriptor discovery
// over the whole handle range and returns the peer's attribute layout.
func (c *Conn) Discover(ctx context.Context) (*gatt.DiscoveryCache, error) {
	cache := &gatt.DiscoveryCache{}

	services, err := c.discoverServices(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}
	cache.Services = services

	for _, svc := range services {
		chars, err := c.discoverCharacteristics(ctx, svc)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", svc.UUID, err)
		}
		for i, ch := range chars {
			end := svc.EndHandle
			if i+1 < len(chars) {
				end = chars[i+1].DeclarationHandle - 1
			}
			if ch.ValueHandle < end {
				descs, err := c.discoverDescriptors(ctx, ch.ValueHandle+1, end)
				if err != nil {
					return nil, fmt.Errorf("discover descriptors of %s: %w", ch.UUID, err)
				}
				for _, d := range descs {
					if d.UUID == gatt.UUIDCCCD {
						ch.CCCDHandle = d.Handle
					}
				}
			}
			cache.Characteristics = append(cache.Characteristics, ch)
		}
	}
	logger.Debug(c.tag, "discovered %d services and %d characteristics on %s",
		len(cache.Services), len(cache.Characteristics), shortHash(c.peer))
	return cache, nil
}

func (c *Conn) discoverServices(ctx context.Context) ([]gatt.DiscoveredService, error) {
	var out []gatt.DiscoveredService
	start := uint16(1)
	for {
		resp, err := c.Request(ctx, &att.ReadByGroupTypeRequest{
			StartHandle: start,
			EndHandle:   0xFFFF,
			Type:        gatt.EncodeUUID(gatt.UUIDPrimaryService),
		})
		if attributeNotFound(err) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		found, err := gatt.ParseReadByGroupTypeResponse(resp.(*att.ReadByGroupTypeResponse))
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
		last := found[len(found)-1].EndHandle
		if last == 0xFFFF || last < start {
			return out, nil
		}
		start = last + 1
	}
}

func (c *Conn) discoverCharacteristics(ctx context.Context, svc gatt.DiscoveredService) ([]*gatt.DiscoveredCharacteristic, error) {
	var out []*gatt.DiscoveredCharacteristic
	start := svc.StartHandle
	for start <= svc.EndHandle {
		resp, err := c.Request(ctx, &att.ReadByTypeRequest{
			StartHandle: start,
			EndHandle:   svc.EndHandle,
			Type:        gatt.EncodeUUID(gatt.UUIDCharacteristic),
		})
		if attributeNotFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		found, err := gatt.ParseReadByTypeResponse(resp.(*att.ReadByTypeResponse))
		if err != nil {
			return nil, err
		}
		for i := range found {
			ch := found[i]
			ch.Service = svc.UUID
			out = append(out, &ch)
		}
		last := found[len(found)-1].DeclarationHandle
		if last < start {
			break
		}
		start = last + 1
	}
	return out, nil
}

func (c *Conn) discoverDescriptors(ctx context.Context, start, end uint16) ([]gatt.DiscoveredDescriptor, error) {
	var out []gatt.DiscoveredDescriptor
	for start <= end {
		resp, err := c.Request(ctx, &att.FindInformationRequest{StartHandle: start, EndHandle: end})
		if attributeNotFound(err) {
			break
		}
		if err != nil {
			return nil, err
		}
		found, err := gatt.ParseFindInformationResponse(resp.(*att.FindInformationResponse))
		if err != nil {
			return nil, err
		}
		out = append(out, found...)
		last := found[len(found)-1].Handle
		if last < start || last == 0xFFFF {
			break
		}
		start = last + 1
	}
	return out, nil
}

// Read reads an attribute value (at most MTU-1 bytes)
func (c *Conn) Read(ctx context.Context, handle uint16) ([]byte, error) {
	resp, err := c.Request(ctx, &att.ReadRequest{Handle: handle})
	if err != nil {
		return nil, err
	}
	return resp.(*att.ReadResponse).Value, nil
}

// Write writes an attribute value with response. Values longer than MTU-3
// go out as a prepared write followed by an execute.
func (c *Conn) Write(ctx context.Context, handle uint16, value []byte) error {
	mtu := c.MTU()
	if !att.NeedsPrepare(mtu, value) {
		_, err := c.Request(ctx, &att.WriteRequest{Handle: handle, Value: value})
		return err
	}

	reqs, err := att.SplitWrite(handle, value, mtu)
	if err != nil {
		return err
	}
	logger.Debug(c.tag, "long write of %d bytes to 0x%04X in %d fragments", len(value), handle, len(reqs))
	for _, req := range reqs {
		resp, err := c.Request(ctx, req)
		if err != nil {
			c.cancelPrepared(ctx)
			return err
		}
		echo := resp.(*att.PrepareWriteResponse)
		if echo.Handle != req.Handle || echo.Offset != req.Offset || !bytes.Equal(echo.Value, req.Value) {
			c.cancelPrepared(ctx)
			return fmt.Errorf("wire: prepare write echo mismatch at offset %d", req.Offset)
		}
	}
	_, err = c.Request(ctx, &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCommit})
	return err
}

func (c *Conn) cancelPrepared(ctx context.Context) {
	if _, err := c.Request(ctx, &att.ExecuteWriteRequest{Flags: att.ExecuteWriteCancel}); err != nil {
		logger.Debug(c.tag, "cancel prepared writes: %v", err)
	}
}

// WriteCommand writes without response
func (c *Conn) WriteCommand(handle uint16, value []byte) error {
	if len(value) > c.MTU()-3 {
		return fmt.Errorf("wire: write command of %d bytes exceeds MTU %d", len(value), c.MTU())
	}
	return c.Send(&att.WriteCommand{Handle: handle, Value: value})
}
