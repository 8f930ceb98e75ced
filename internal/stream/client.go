package stream

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/sim-control/internal/simcontrol"
	"github.com/banshee-data/sim-control/internal/vehicle"
)

// Client calls SimControlService on a remote simulator.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// SetTrajectory sends msg and returns the ID the simulator assigned.
func (c *Client) SetTrajectory(ctx context.Context, msg *simcontrol.TrajectoryMessage) (string, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	in := &structpb.Struct{}
	if err := in.UnmarshalJSON(raw); err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, setTrajectoryMethod, in, out); err != nil {
		return "", err
	}
	return out.GetFields()["trajectory_id"].GetStringValue(), nil
}

// SetEnabled enables or disables the simulation and returns the new state.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) (simcontrol.State, error) {
	in, err := structpb.NewStruct(map[string]interface{}{"enabled": enabled})
	if err != nil {
		return "", err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, setEnabledMethod, in, out); err != nil {
		return "", err
	}
	return simcontrol.State(out.GetFields()["state"].GetStringValue()), nil
}

// StreamState opens a state stream.
func (c *Client) StreamState(ctx context.Context, req StreamRequest) (*StateReceiver, error) {
	stream, err := c.cc.NewStream(ctx, &ServiceDesc.Streams[0], streamStateMethod)
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]interface{}{
		"include_chassis":      req.IncludeChassis,
		"include_localization": req.IncludeLocalization,
	})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &StateReceiver{stream: stream}, nil
}

// StateReceiver is the client side of a StreamState call.
type StateReceiver struct {
	stream grpc.ClientStream
}

// Recv blocks for the next frame. It returns io.EOF when the server ends
// the stream.
func (r *StateReceiver) Recv() (vehicle.Frame, error) {
	m := new(structpb.Struct)
	if err := r.stream.RecvMsg(m); err != nil {
		return vehicle.Frame{}, err
	}
	frame, err := StructToFrame(m)
	if err != nil {
		return vehicle.Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	return frame, nil
}
