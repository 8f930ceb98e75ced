package stream

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sim-control/internal/simcontrol"
	"github.com/banshee-data/sim-control/internal/vehicle"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "simcontrol.SimControlService"

const (
	streamStateMethod   = "/" + ServiceName + "/StreamState"
	setTrajectoryMethod = "/" + ServiceName + "/SetTrajectory"
	setEnabledMethod    = "/" + ServiceName + "/SetEnabled"
)

// Controller is the simulator control surface the service drives.
type Controller interface {
	Enable()
	Disable()
	State() simcontrol.State
	SetTrajectoryMessage(msg *simcontrol.TrajectoryMessage) (string, error)
}

// StreamRequest selects which messages a StreamState client receives.
type StreamRequest struct {
	IncludeChassis      bool
	IncludeLocalization bool
}

// SimControlServiceServer is the server API for SimControlService.
type SimControlServiceServer interface {
	StreamState(req *structpb.Struct, stream StateStream) error
	SetTrajectory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	SetEnabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// StateStream is the server side of a StreamState call.
type StateStream interface {
	Send(*structpb.Struct) error
	grpc.ServerStream
}

type stateStreamServer struct {
	grpc.ServerStream
}

func (s *stateStreamServer) Send(m *structpb.Struct) error {
	return s.ServerStream.SendMsg(m)
}

// ServiceDesc describes SimControlService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SimControlServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "SetTrajectory", Handler: setTrajectoryHandler},
		{MethodName: "SetEnabled", Handler: setEnabledHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "StreamState", Handler: streamStateHandler, ServerStreams: true},
	},
	Metadata: "simcontrol.proto",
}

func streamStateHandler(srv interface{}, stream grpc.ServerStream) error {
	m := new(structpb.Struct)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(SimControlServiceServer).StreamState(m, &stateStreamServer{stream})
}

func setTrajectoryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimControlServiceServer).SetTrajectory(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: setTrajectoryMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SimControlServiceServer).SetTrajectory(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func setEnabledHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SimControlServiceServer).SetEnabled(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: setEnabledMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SimControlServiceServer).SetEnabled(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterService registers the service with a gRPC server.
func RegisterService(grpcServer grpc.ServiceRegistrar, server SimControlServiceServer) {
	grpcServer.RegisterService(&ServiceDesc, server)
}

// Ensure Server implements the gRPC interface.
var _ SimControlServiceServer = (*Server)(nil)

// Server implements SimControlService.
type Server struct {
	publisher *Publisher
	control   Controller
}

// NewServer creates a service streaming from publisher and driving control.
func NewServer(publisher *Publisher, control Controller) *Server {
	return &Server{publisher: publisher, control: control}
}

// StreamState streams frames until the client goes away or the publisher
// stops.
func (s *Server) StreamState(req *structpb.Struct, stream StateStream) error {
	sreq := parseStreamRequest(req)
	clientID := "grpc-" + uuid.NewString()

	client, ok := s.publisher.addClient(clientID, sreq)
	if !ok {
		logf("Rejected client %s: max clients (%d) reached", clientID, s.publisher.config.MaxClients)
		return status.Errorf(codes.ResourceExhausted, "max stream clients (%d) reached", s.publisher.config.MaxClients)
	}
	defer s.publisher.removeClient(clientID)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-client.frameCh:
			if !ok {
				return nil
			}
			msg, err := FrameToStruct(frame, client.request)
			if err != nil {
				return status.Errorf(codes.Internal, "encode frame: %v", err)
			}
			if err := stream.Send(msg); err != nil {
				logf("Send error: %v", err)
				return err
			}
		}
	}
}

// SetTrajectory accepts a trajectory in its JSON wire form.
func (s *Server) SetTrajectory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	raw, err := req.MarshalJSON()
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid trajectory: %v", err)
	}
	var msg simcontrol.TrajectoryMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid trajectory: %v", err)
	}

	id, err := s.control.SetTrajectoryMessage(&msg)
	switch {
	case errors.Is(err, simcontrol.ErrDisabled):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return structpb.NewStruct(map[string]interface{}{
		"trajectory_id": id,
		"point_count":   len(msg.TrajectoryPoint),
	})
}

// SetEnabled enables or disables the simulation.
func (s *Server) SetEnabled(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	v, ok := req.GetFields()["enabled"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "missing field: enabled")
	}
	if _, isBool := v.GetKind().(*structpb.Value_BoolValue); !isBool {
		return nil, status.Error(codes.InvalidArgument, "enabled must be a boolean")
	}
	if v.GetBoolValue() {
		s.control.Enable()
	} else {
		s.control.Disable()
	}
	return structpb.NewStruct(map[string]interface{}{
		"state": string(s.control.State()),
	})
}

func parseStreamRequest(req *structpb.Struct) StreamRequest {
	out := StreamRequest{IncludeChassis: true, IncludeLocalization: true}
	fields := req.GetFields()
	if v, ok := fields["include_chassis"]; ok {
		out.IncludeChassis = v.GetBoolValue()
	}
	if v, ok := fields["include_localization"]; ok {
		out.IncludeLocalization = v.GetBoolValue()
	}
	return out
}

// FrameToStruct converts a frame to its Struct envelope, keeping only the
// messages req asks for.
func FrameToStruct(frame vehicle.Frame, req StreamRequest) (*structpb.Struct, error) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	msg := &structpb.Struct{}
	if err := msg.UnmarshalJSON(raw); err != nil {
		return nil, err
	}
	if !req.IncludeChassis {
		delete(msg.Fields, "chassis")
	}
	if !req.IncludeLocalization {
		delete(msg.Fields, "localization")
	}
	return msg, nil
}

// StructToFrame decodes a Struct envelope produced by FrameToStruct.
func StructToFrame(msg *structpb.Struct) (vehicle.Frame, error) {
	var frame vehicle.Frame
	raw, err := msg.MarshalJSON()
	if err != nil {
		return frame, err
	}
	err = json.Unmarshal(raw, &frame)
	return frame, err
}
