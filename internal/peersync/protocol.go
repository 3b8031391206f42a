package peersync

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown    Operation = 0
	OperationPing       Operation = 1
	OperationHealth     Operation = 2
	OperationGetIndex   Operation = 3
	OperationGetMissing Operation = 4
	OperationGetRecords Operation = 5
)

func (o Operation) String() string {
	switch o {
	case OperationPing:
		return "ping"
	case OperationHealth:
		return "health"
	case OperationGetIndex:
		return "get_index"
	case OperationGetMissing:
		return "get_missing"
	case OperationGetRecords:
		return "get_records"
	default:
		return fmt.Sprintf("operation(%d)", int32(o))
	}
}

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeOverloaded      ErrorCode = 3
	ErrorCodeInternal        ErrorCode = 4
)

type Request struct {
	RequestId string          `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken string          `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation int32           `protobuf:"varint,3,opt,name=operation,proto3"`
	Missing   *MissingRequest `protobuf:"bytes,4,opt,name=missing,proto3"`
	Records   *RecordsRequest `protobuf:"bytes,5,opt,name=records,proto3"`
}

func (*Request) Reset()         {}
func (*Request) String() string { return "Request" }
func (*Request) ProtoMessage()  {}

type Response struct {
	RequestId    string           `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32            `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string           `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Pong         *PongResponse    `protobuf:"bytes,4,opt,name=pong,proto3"`
	Health       *HealthResponse  `protobuf:"bytes,5,opt,name=health,proto3"`
	Index        *IndexResponse   `protobuf:"bytes,6,opt,name=index,proto3"`
	Records      *RecordsResponse `protobuf:"bytes,7,opt,name=records,proto3"`
}

func (*Response) Reset()         {}
func (*Response) String() string { return "Response" }
func (*Response) ProtoMessage()  {}

// MissingRequest carries the caller's own index in text form.
type MissingRequest struct {
	PeerIndex string `protobuf:"bytes,1,opt,name=peer_index,json=peerIndex,proto3"`
}

func (*MissingRequest) Reset()         {}
func (*MissingRequest) String() string { return "MissingRequest" }
func (*MissingRequest) ProtoMessage()  {}

// RecordsRequest asks for stored records with ids in [From, To].
type RecordsRequest struct {
	From  uint64 `protobuf:"varint,1,opt,name=from,proto3"`
	To    uint64 `protobuf:"varint,2,opt,name=to,proto3"`
	Limit uint32 `protobuf:"varint,3,opt,name=limit,proto3"`
}

func (*RecordsRequest) Reset()         {}
func (*RecordsRequest) String() string { return "RecordsRequest" }
func (*RecordsRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Idle  bool   `protobuf:"varint,1,opt,name=idle,proto3"`
	State string `protobuf:"bytes,2,opt,name=state,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

// IndexResponse holds a RangeSet in text form, either the whole local index
// or the part of it a peer lacks.
type IndexResponse struct {
	Text        string `protobuf:"bytes,1,opt,name=text,proto3"`
	Cardinality uint64 `protobuf:"varint,2,opt,name=cardinality,proto3"`
}

func (*IndexResponse) Reset()         {}
func (*IndexResponse) String() string { return "IndexResponse" }
func (*IndexResponse) ProtoMessage()  {}

// RecordsResponse carries LOG lines. When Truncated is set the caller
// continues from Next.
type RecordsResponse struct {
	Lines     []string `protobuf:"bytes,1,rep,name=lines,proto3"`
	Truncated bool     `protobuf:"varint,2,opt,name=truncated,proto3"`
	Next      uint64   `protobuf:"varint,3,opt,name=next,proto3"`
}

func (*RecordsResponse) Reset()         {}
func (*RecordsResponse) String() string { return "RecordsResponse" }
func (*RecordsResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*Request, error) {
	var req Request
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*Response, error) {
	var res Response
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	switch Operation(req.Operation) {
	case OperationUnknown:
		return fmt.Errorf("operation is required")
	case OperationGetMissing:
		if req.Missing == nil {
			return fmt.Errorf("missing query required")
		}
	case OperationGetRecords:
		if req.Records == nil {
			return fmt.Errorf("records query required")
		}
		if req.Records.From > req.Records.To {
			return fmt.Errorf("records range %d-%d is inverted", req.Records.From, req.Records.To)
		}
	}
	return nil
}

// RemoteError is a non-OK response turned into an error by the client.
type RemoteError struct {
	Code    ErrorCode
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peersync: remote error %d: %s", e.Code, e.Message)
}

// Retryable reports whether the request may succeed if sent again.
func (e *RemoteError) Retryable() bool { return e.Code == ErrorCodeOverloaded }
