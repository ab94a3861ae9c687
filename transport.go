package raft

import (
	"context"

	"github.com/google/uuid"

	"github.com/causalcluster/raft/internal/errors"
	"github.com/causalcluster/raft/internal/transport"
	"github.com/causalcluster/raft/internal/wire"
)

// Transport moves messages between cluster members. Delivery is asynchronous
// and unreliable; the core never waits for delivery and recovers losses with
// timeouts and re-sends.
type Transport interface {
	// RegisterMessageHandler registers the single handler that inbound
	// messages are delivered to. Must be called before Run.
	RegisterMessageHandler(handler func(message Message))

	// Send delivers one message to the given member.
	Send(ctx context.Context, to MemberID, message Message) error

	// Run starts accepting inbound messages.
	Run() error

	// Shutdown stops the transport.
	Shutdown() error
}

// grpcTransport implements Transport on top of the gRPC messaging service.
type grpcTransport struct {
	localAddress string
	addresses    map[MemberID]string
	handler      func(Message)
	server       *transport.Server
	client       *transport.Client
}

// NewTransport creates a gRPC transport listening on localAddress and routing
// outbound messages using the member address map.
func NewTransport(localAddress string, addresses map[MemberID]string) Transport {
	resolved := make(map[MemberID]string, len(addresses))
	for member, address := range addresses {
		resolved[member] = address
	}
	return &grpcTransport{
		localAddress: localAddress,
		addresses:    resolved,
		client:       transport.NewClient(),
	}
}

func (t *grpcTransport) RegisterMessageHandler(handler func(message Message)) {
	t.handler = handler
}

func (t *grpcTransport) Send(ctx context.Context, to MemberID, message Message) error {
	address, ok := t.addresses[to]
	if !ok {
		return errors.New("no address known for member")
	}
	envelope, err := encodeMessage(message)
	if err != nil {
		return err
	}
	return t.client.Send(ctx, address, envelope)
}

func (t *grpcTransport) Run() error {
	if t.handler == nil {
		return errors.New("no message handler registered")
	}
	t.server = transport.NewServer(t.localAddress, func(envelope *wire.Envelope) {
		message, err := decodeMessage(envelope)
		if err != nil {
			return
		}
		t.handler(message)
	})
	return t.server.Run()
}

func (t *grpcTransport) Shutdown() error {
	if t.server != nil {
		t.server.Shutdown()
	}
	return t.client.Close()
}

func encodeMessage(message Message) (*wire.Envelope, error) {
	switch m := message.(type) {
	case VoteRequest:
		payload := wire.MarshalVoteRequest(&wire.VoteRequest{
			From:         string(m.From),
			Term:         m.Term,
			Candidate:    string(m.Candidate),
			LastLogIndex: m.LastLogIndex,
			LastLogTerm:  m.LastLogTerm,
			Store:        encodeStoreID(m.Store),
		})
		return &wire.Envelope{Kind: wire.KindVoteRequest, Payload: payload}, nil
	case VoteResponse:
		payload := wire.MarshalVoteResponse(&wire.VoteResponse{
			From:    string(m.From),
			Term:    m.Term,
			Granted: m.Granted,
		})
		return &wire.Envelope{Kind: wire.KindVoteResponse, Payload: payload}, nil
	case AppendRequest:
		entries := make([]wire.Entry, len(m.Entries))
		for i, entry := range m.Entries {
			entries[i] = wire.Entry{Term: entry.Term, Data: entry.Data}
		}
		payload := wire.MarshalAppendRequest(&wire.AppendRequest{
			From:         string(m.From),
			Term:         m.Term,
			PrevLogIndex: m.PrevLogIndex,
			PrevLogTerm:  m.PrevLogTerm,
			Entries:      entries,
			LeaderCommit: m.LeaderCommit,
		})
		return &wire.Envelope{Kind: wire.KindAppendRequest, Payload: payload}, nil
	case AppendResponse:
		payload := wire.MarshalAppendResponse(&wire.AppendResponse{
			From:       string(m.From),
			Term:       m.Term,
			Success:    m.Success,
			MatchIndex: m.MatchIndex,
		})
		return &wire.Envelope{Kind: wire.KindAppendResponse, Payload: payload}, nil
	case LogCompactionInfo:
		payload := wire.MarshalCompactionInfo(&wire.CompactionInfo{
			From:      string(m.From),
			Term:      m.Term,
			PrevIndex: m.PrevIndex,
		})
		return &wire.Envelope{Kind: wire.KindCompactionInfo, Payload: payload}, nil
	default:
		return nil, errors.New("message type cannot be sent over the wire")
	}
}

func decodeMessage(envelope *wire.Envelope) (Message, error) {
	switch envelope.Kind {
	case wire.KindVoteRequest:
		m, err := wire.UnmarshalVoteRequest(envelope.Payload)
		if err != nil {
			return nil, err
		}
		return VoteRequest{
			From:         MemberID(m.From),
			Term:         m.Term,
			Candidate:    MemberID(m.Candidate),
			LastLogIndex: m.LastLogIndex,
			LastLogTerm:  m.LastLogTerm,
			Store:        decodeStoreID(m.Store),
		}, nil
	case wire.KindVoteResponse:
		m, err := wire.UnmarshalVoteResponse(envelope.Payload)
		if err != nil {
			return nil, err
		}
		return VoteResponse{From: MemberID(m.From), Term: m.Term, Granted: m.Granted}, nil
	case wire.KindAppendRequest:
		m, err := wire.UnmarshalAppendRequest(envelope.Payload)
		if err != nil {
			return nil, err
		}
		entries := make([]LogEntry, len(m.Entries))
		for i, entry := range m.Entries {
			entries[i] = LogEntry{Term: entry.Term, Data: entry.Data}
		}
		return AppendRequest{
			From:         MemberID(m.From),
			Term:         m.Term,
			PrevLogIndex: m.PrevLogIndex,
			PrevLogTerm:  m.PrevLogTerm,
			Entries:      entries,
			LeaderCommit: m.LeaderCommit,
		}, nil
	case wire.KindAppendResponse:
		m, err := wire.UnmarshalAppendResponse(envelope.Payload)
		if err != nil {
			return nil, err
		}
		return AppendResponse{
			From:       MemberID(m.From),
			Term:       m.Term,
			Success:    m.Success,
			MatchIndex: m.MatchIndex,
		}, nil
	case wire.KindCompactionInfo:
		m, err := wire.UnmarshalCompactionInfo(envelope.Payload)
		if err != nil {
			return nil, err
		}
		return LogCompactionInfo{From: MemberID(m.From), Term: m.Term, PrevIndex: m.PrevIndex}, nil
	default:
		return nil, errors.New("unknown message kind")
	}
}

func encodeStoreID(id StoreID) wire.StoreID {
	return wire.StoreID{
		CreationTime: id.CreationTime,
		RandomID:     [16]byte(id.RandomID),
		UpgradeTime:  id.UpgradeTime,
		UpgradeID:    [16]byte(id.UpgradeID),
	}
}

func decodeStoreID(id wire.StoreID) StoreID {
	return StoreID{
		CreationTime: id.CreationTime,
		RandomID:     uuid.UUID(id.RandomID),
		UpgradeTime:  id.UpgradeTime,
		UpgradeID:    uuid.UUID(id.UpgradeID),
	}
}
