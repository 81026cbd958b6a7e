package genvmclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/nondetchain/consensus-core/internal/domain"
)

// Tag identifies one host-loop callback method. Wire format per callback
// frame: a little-endian 4-byte length prefix, then a 1-byte tag, then
// the tag's body (spec.md §6.1).
type Tag byte

const (
	TagStorageRead              Tag = 0x01
	TagStorageWrite             Tag = 0x02
	TagConsumeResult            Tag = 0x03
	TagGetLeaderNondetResult    Tag = 0x04
	TagPostNondetResult         Tag = 0x05
	TagPostMessage              Tag = 0x06
	TagConsumeFuel              Tag = 0x07
	TagDeployContract           Tag = 0x08
	TagEthSend                  Tag = 0x09
	TagEthCall                  Tag = 0x0A
	TagGetBalance               Tag = 0x0B
	TagRemainingFuelAsGen       Tag = 0x0C
	TagNotifyNondetDisagreement Tag = 0x0D
)

// ResultCode mirrors domain.ResultCode for the CONSUME_RESULT callback's
// leading status byte (spec.md §6.1).
type ResultCode = domain.ResultCode

// HostCallbacks is implemented by the Node Runner to answer the sidecar's
// callbacks during one run. Every method receives the callback's raw body
// (everything after the 1-byte tag) and returns the raw response body to
// write back; the host loop handles framing and the leading status byte.
type HostCallbacks interface {
	StorageRead(ctx context.Context, contract domain.Address, slot domain.StorageSlot) ([]byte, error)
	StorageWrite(ctx context.Context, contract domain.Address, slot domain.StorageSlot, value []byte) error
	ConsumeResult(ctx context.Context, code ResultCode, payload []byte) error
	GetLeaderNondetResult(ctx context.Context, index int) ([]byte, error)
	PostNondetResult(ctx context.Context, index int, result []byte) error
	PostMessage(ctx context.Context, body []byte) error
	ConsumeFuel(ctx context.Context, amount uint64) error
	DeployContract(ctx context.Context, code, calldata []byte, salt uint64) (domain.Address, error)
	EthSend(ctx context.Context, to domain.Address, value uint64, data []byte) error
	EthCall(ctx context.Context, to domain.Address, data []byte) ([]byte, error)
	GetBalance(ctx context.Context, account domain.Address) (uint64, error)
	RemainingFuelAsGen(ctx context.Context) (uint64, error)
	NotifyNondetDisagreement(ctx context.Context, body []byte) error
}

// statusOK and statusErr are the single response status bytes every
// callback reply is tagged with (spec.md §6.1, "errors returned by a
// single-byte status").
const (
	statusOK  byte = 0x00
	statusErr byte = 0x01
)

// RunHostLoop dials addr and answers callbacks from cb until the sidecar
// closes the connection (the run completed) or ctx is canceled. This is
// the suspension point the worker sits in for the duration of one
// validator's execution (spec.md §5, "External executor call inside Node
// Runner").
func RunHostLoop(ctx context.Context, addr string, cb HostCallbacks) error {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("genvmclient: dial host socket: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		frame, err := readFrame(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("genvmclient: read callback frame: %w", err)
		}
		if len(frame) == 0 {
			return fmt.Errorf("genvmclient: empty callback frame")
		}
		tag := Tag(frame[0])
		body := frame[1:]

		respBody, callErr := dispatch(ctx, cb, tag, body)
		if err := writeResponse(conn, respBody, callErr); err != nil {
			return fmt.Errorf("genvmclient: write callback response: %w", err)
		}
	}
}

func dispatch(ctx context.Context, cb HostCallbacks, tag Tag, body []byte) ([]byte, error) {
	switch tag {
	case TagStorageRead:
		contract, slot, err := decodeAddrSlot(body)
		if err != nil {
			return nil, err
		}
		return cb.StorageRead(ctx, contract, slot)

	case TagStorageWrite:
		contract, slot, value, err := decodeAddrSlotValue(body)
		if err != nil {
			return nil, err
		}
		return nil, cb.StorageWrite(ctx, contract, slot, value)

	case TagConsumeResult:
		if len(body) < 1 {
			return nil, fmt.Errorf("genvmclient: CONSUME_RESULT frame too short")
		}
		return nil, cb.ConsumeResult(ctx, ResultCode(body[0]), body[1:])

	case TagGetLeaderNondetResult:
		if len(body) < 4 {
			return nil, fmt.Errorf("genvmclient: GET_LEADER_NONDET_RESULT frame too short")
		}
		index := int(binary.LittleEndian.Uint32(body[:4]))
		return cb.GetLeaderNondetResult(ctx, index)

	case TagPostNondetResult:
		if len(body) < 4 {
			return nil, fmt.Errorf("genvmclient: POST_NONDET_RESULT frame too short")
		}
		index := int(binary.LittleEndian.Uint32(body[:4]))
		return nil, cb.PostNondetResult(ctx, index, body[4:])

	case TagPostMessage:
		return nil, cb.PostMessage(ctx, body)

	case TagConsumeFuel:
		if len(body) < 8 {
			return nil, fmt.Errorf("genvmclient: CONSUME_FUEL frame too short")
		}
		return nil, cb.ConsumeFuel(ctx, binary.LittleEndian.Uint64(body[:8]))

	case TagDeployContract:
		if len(body) < 8 {
			return nil, fmt.Errorf("genvmclient: DEPLOY_CONTRACT frame too short")
		}
		salt := binary.LittleEndian.Uint64(body[:8])
		rest := body[8:]
		if len(rest) < 4 {
			return nil, fmt.Errorf("genvmclient: DEPLOY_CONTRACT missing code length")
		}
		codeLen := int(binary.LittleEndian.Uint32(rest[:4]))
		rest = rest[4:]
		if len(rest) < codeLen {
			return nil, fmt.Errorf("genvmclient: DEPLOY_CONTRACT truncated code")
		}
		code := rest[:codeLen]
		calldata := rest[codeLen:]
		addr, err := cb.DeployContract(ctx, code, calldata, salt)
		if err != nil {
			return nil, err
		}
		return addr.Bytes(), nil

	case TagEthSend:
		if len(body) < domain.AddressSize+8 {
			return nil, fmt.Errorf("genvmclient: ETH_SEND frame too short")
		}
		to, err := domain.NewAddress(body[:domain.AddressSize])
		if err != nil {
			return nil, err
		}
		value := binary.LittleEndian.Uint64(body[domain.AddressSize : domain.AddressSize+8])
		data := body[domain.AddressSize+8:]
		return nil, cb.EthSend(ctx, to, value, data)

	case TagEthCall:
		if len(body) < domain.AddressSize {
			return nil, fmt.Errorf("genvmclient: ETH_CALL frame too short")
		}
		to, err := domain.NewAddress(body[:domain.AddressSize])
		if err != nil {
			return nil, err
		}
		return cb.EthCall(ctx, to, body[domain.AddressSize:])

	case TagGetBalance:
		account, err := domain.NewAddress(body)
		if err != nil {
			return nil, err
		}
		balance, err := cb.GetBalance(ctx, account)
		if err != nil {
			return nil, err
		}
		var out [8]byte
		binary.LittleEndian.PutUint64(out[:], balance)
		return out[:], nil

	case TagRemainingFuelAsGen:
		remaining, err := cb.RemainingFuelAsGen(ctx)
		if err != nil {
			return nil, err
		}
		var out [8]byte
		binary.LittleEndian.PutUint64(out[:], remaining)
		return out[:], nil

	case TagNotifyNondetDisagreement:
		return nil, cb.NotifyNondetDisagreement(ctx, body)

	default:
		return nil, fmt.Errorf("genvmclient: unknown callback tag 0x%02x", byte(tag))
	}
}

func decodeAddrSlot(body []byte) (domain.Address, domain.StorageSlot, error) {
	if len(body) < domain.AddressSize+32 {
		return domain.Address{}, domain.StorageSlot{}, fmt.Errorf("genvmclient: STORAGE_READ frame too short")
	}
	contract, err := domain.NewAddress(body[:domain.AddressSize])
	if err != nil {
		return domain.Address{}, domain.StorageSlot{}, err
	}
	var slot domain.StorageSlot
	copy(slot[:], body[domain.AddressSize:domain.AddressSize+32])
	return contract, slot, nil
}

func decodeAddrSlotValue(body []byte) (domain.Address, domain.StorageSlot, []byte, error) {
	contract, slot, err := decodeAddrSlot(body)
	if err != nil {
		return domain.Address{}, domain.StorageSlot{}, nil, err
	}
	return contract, slot, body[domain.AddressSize+32:], nil
}

// readFrame reads one little-endian length-prefixed frame (spec.md §6.1).
func readFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// writeResponse writes a length-prefixed [status-byte][body] frame. A
// non-nil callErr is encoded as statusErr with the error text as the body.
func writeResponse(w io.Writer, body []byte, callErr error) error {
	status := statusOK
	if callErr != nil {
		status = statusErr
		body = []byte(callErr.Error())
	}
	frame := make([]byte, 0, 1+len(body))
	frame = append(frame, status)
	frame = append(frame, body...)

	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(frame)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}
