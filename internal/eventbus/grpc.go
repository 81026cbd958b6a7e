package eventbus

import (
	"bytes"
	"context"
	"encoding/gob"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// gobCodecName is the content-subtype this package registers with
// grpc-go's encoding registry so server and client agree on wire format
// without a protoc-generated message set (spec.md §6.3 only requires the
// transport to carry Events; it does not mandate protobuf specifically).
const gobCodecName = "gob"

// gobCodec adapts encoding/gob to grpc's encoding.Codec interface, the
// same "swap the wire format, keep the RPC plumbing" idiom the corpus
// uses its generated pb types for (internal/engine/oracle_client.go).
type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("eventbus: gob encode: %w", err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(data []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(v); err != nil {
		return fmt.Errorf("eventbus: gob decode: %w", err)
	}
	return nil
}

func (gobCodec) Name() string { return gobCodecName }

func init() {
	// Registering under a non-"proto" name keeps this codec opt-in per
	// call via grpc.CallContentSubtype, so other services on the same
	// process tree keep using the default proto codec untouched.
	encoding.RegisterCodec(gobCodec{})
}

// WireEvent is Event's over-the-wire shape: Data is carried pre-encoded
// as JSON since gob cannot decode into the `any` values of a map without
// every concrete type registered up front, and subscribers may be a
// different binary entirely.
type WireEvent struct {
	Name          string
	TxHash        [32]byte
	Account       [20]byte
	Message       string
	DataJSON      []byte
	LogToTerminal bool
}

func toWire(evt Event) (WireEvent, error) {
	var dataJSON []byte
	if evt.Data != nil {
		encoded, err := json.Marshal(evt.Data)
		if err != nil {
			return WireEvent{}, fmt.Errorf("eventbus: marshal event data: %w", err)
		}
		dataJSON = encoded
	}
	return WireEvent{
		Name:          evt.Name,
		TxHash:        evt.TxHash,
		Account:       evt.Account,
		Message:       evt.Message,
		DataJSON:      dataJSON,
		LogToTerminal: evt.LogToTerminal,
	}, nil
}

func fromWire(w WireEvent) (Event, error) {
	evt := Event{
		Name:          w.Name,
		TxHash:        w.TxHash,
		Account:       w.Account,
		Message:       w.Message,
		LogToTerminal: w.LogToTerminal,
	}
	if len(w.DataJSON) > 0 {
		if err := json.Unmarshal(w.DataJSON, &evt.Data); err != nil {
			return Event{}, fmt.Errorf("eventbus: unmarshal event data: %w", err)
		}
	}
	return evt, nil
}

// SubscribeRequest is the (currently empty) request the streaming RPC
// takes; it exists so the method signature has room to grow a filter
// without an incompatible wire change.
type SubscribeRequest struct{}

// EventServiceServer is implemented by GRPCServer below.
type EventServiceServer interface {
	StreamEvents(*SubscribeRequest, EventService_StreamEventsServer) error
}

// EventService_StreamEventsServer is the server-side handle for one
// subscriber's stream, mirroring the shape protoc-gen-go-grpc would emit.
type EventService_StreamEventsServer interface {
	Send(*WireEvent) error
	grpc.ServerStream
}

type eventServiceStreamEventsServer struct{ grpc.ServerStream }

func (x *eventServiceStreamEventsServer) Send(e *WireEvent) error {
	return x.ServerStream.SendMsg(e)
}

func streamEventsHandler(srv any, stream grpc.ServerStream) error {
	req := new(SubscribeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(EventServiceServer).StreamEvents(req, &eventServiceStreamEventsServer{stream})
}

// ServiceDesc is the hand-authored equivalent of a .proto-generated
// grpc.ServiceDesc: one server-streaming method, StreamEvents.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: "eventbus.EventService",
	HandlerType: (*EventServiceServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamEvents",
			Handler:       streamEventsHandler,
			ServerStreams: true,
		},
	},
}

// EventServiceClient is the client-side stub for eventbus.EventService.
type EventServiceClient interface {
	StreamEvents(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (EventService_StreamEventsClient, error)
}

type eventServiceClient struct {
	cc grpc.ClientConnInterface
}

// NewEventServiceClient wraps an existing connection (typically dialed
// with grpc.NewClient + insecure.NewCredentials, as the teacher's
// OracleClient does) as an EventServiceClient.
func NewEventServiceClient(cc grpc.ClientConnInterface) EventServiceClient {
	return &eventServiceClient{cc: cc}
}

func (c *eventServiceClient) StreamEvents(ctx context.Context, in *SubscribeRequest, opts ...grpc.CallOption) (EventService_StreamEventsClient, error) {
	opts = append(opts, grpc.CallContentSubtype(gobCodecName))
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], "/eventbus.EventService/StreamEvents", opts...)
	if err != nil {
		return nil, err
	}
	x := &eventServiceStreamEventsClient{stream}
	if err := x.ClientStream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	return x, nil
}

// EventService_StreamEventsClient is the client-side handle for one
// subscriber's stream.
type EventService_StreamEventsClient interface {
	Recv() (*WireEvent, error)
	grpc.ClientStream
}

type eventServiceStreamEventsClient struct{ grpc.ClientStream }

func (x *eventServiceStreamEventsClient) Recv() (*WireEvent, error) {
	m := new(WireEvent)
	if err := x.ClientStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

// GRPCServer adapts a Bus to EventServiceServer: each StreamEvents call
// subscribes to the bus and relays events until the client disconnects,
// the same receive-until-EOF shape as the teacher's OracleClient, run in
// reverse (spec.md §6.3, §6.4).
type GRPCServer struct {
	bus *Bus
}

// NewGRPCServer builds a server-side adapter over bus.
func NewGRPCServer(bus *Bus) *GRPCServer {
	return &GRPCServer{bus: bus}
}

// Register attaches this adapter to an existing *grpc.Server.
func (s *GRPCServer) Register(server *grpc.Server) {
	server.RegisterService(&ServiceDesc, s)
}

func (s *GRPCServer) StreamEvents(_ *SubscribeRequest, stream EventService_StreamEventsServer) error {
	events, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			wire, err := toWire(evt)
			if err != nil {
				return err
			}
			if err := stream.Send(&wire); err != nil {
				return err
			}
		}
	}
}

// StreamClient subscribes to a remote GRPCServer and delivers decoded
// Events on the returned channel until ctx is canceled or the stream
// ends. Mirrors internal/engine/oracle_client.go's stream.Recv() loop.
func StreamClient(ctx context.Context, client EventServiceClient) (<-chan Event, error) {
	stream, err := client.StreamEvents(ctx, &SubscribeRequest{})
	if err != nil {
		return nil, fmt.Errorf("eventbus: open event stream: %w", err)
	}

	out := make(chan Event, subscriberBuffer)
	go func() {
		defer close(out)
		for {
			wire, err := stream.Recv()
			if err != nil {
				return
			}
			evt, err := fromWire(*wire)
			if err != nil {
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
