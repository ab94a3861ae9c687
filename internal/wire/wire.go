// Package wire implements the protobuf wire-format encoding of the consensus
// protocol messages and of the persistent state records. The encoding is
// written directly against the protobuf wire primitives; there is no generated
// code and no reflection.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Kind discriminates the message types carried in an Envelope.
type Kind uint64

const (
	KindVoteRequest Kind = iota + 1
	KindVoteResponse
	KindAppendRequest
	KindAppendResponse
	KindCompactionInfo
)

// Envelope wraps one marshalled message with its kind for transport.
type Envelope struct {
	Kind    Kind
	Payload []byte
}

// StoreID is the wire form of a data store identifier.
type StoreID struct {
	CreationTime int64
	RandomID     [16]byte
	UpgradeTime  int64
	UpgradeID    [16]byte
}

// VoteRequest is the wire form of a vote request.
type VoteRequest struct {
	From         string
	Term         int64
	Candidate    string
	LastLogIndex int64
	LastLogTerm  int64
	Store        StoreID
}

// VoteResponse is the wire form of a vote response.
type VoteResponse struct {
	From    string
	Term    int64
	Granted bool
}

// Entry is the wire form of a single log entry.
type Entry struct {
	Term int64
	Data []byte
}

// AppendRequest is the wire form of an append request.
type AppendRequest struct {
	From         string
	Term         int64
	PrevLogIndex int64
	PrevLogTerm  int64
	Entries      []Entry
	LeaderCommit int64
}

// AppendResponse is the wire form of an append response.
type AppendResponse struct {
	From       string
	Term       int64
	Success    bool
	MatchIndex int64
}

// CompactionInfo is the wire form of a log compaction signal.
type CompactionInfo struct {
	From      string
	Term      int64
	PrevIndex int64
}

// VoteRecord is the durable form of the per-term vote.
type VoteRecord struct {
	Term     int64
	VotedFor string
}

// TermRecord is the durable form of the current term.
type TermRecord struct {
	Term int64
}

func appendInt64(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	if v {
		return protowire.AppendVarint(b, 1)
	}
	return protowire.AppendVarint(b, 0)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

// fieldScanner walks the fields of one marshalled message.
type fieldScanner struct {
	buf []byte
	err error
}

// next returns the number and type of the next field, false once the buffer is
// exhausted or malformed.
func (s *fieldScanner) next() (protowire.Number, protowire.Type, bool) {
	if s.err != nil || len(s.buf) == 0 {
		return 0, 0, false
	}
	num, typ, n := protowire.ConsumeTag(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0, 0, false
	}
	s.buf = s.buf[n:]
	return num, typ, true
}

func (s *fieldScanner) int64Field() int64 {
	v, n := protowire.ConsumeVarint(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return 0
	}
	s.buf = s.buf[n:]
	return int64(v)
}

func (s *fieldScanner) boolField() bool {
	return s.int64Field() != 0
}

func (s *fieldScanner) bytesField() []byte {
	v, n := protowire.ConsumeBytes(s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return nil
	}
	s.buf = s.buf[n:]
	out := make([]byte, len(v))
	copy(out, v)
	return out
}

func (s *fieldScanner) stringField() string {
	return string(s.bytesField())
}

func (s *fieldScanner) skip(num protowire.Number, typ protowire.Type) {
	n := protowire.ConsumeFieldValue(num, typ, s.buf)
	if n < 0 {
		s.err = protowire.ParseError(n)
		return
	}
	s.buf = s.buf[n:]
}

func (s *fieldScanner) finish() error {
	if s.err != nil {
		return fmt.Errorf("malformed wire record: %w", s.err)
	}
	return nil
}

// MarshalEnvelope encodes an envelope.
func MarshalEnvelope(e *Envelope) []byte {
	var b []byte
	b = appendInt64(b, 1, int64(e.Kind))
	b = appendBytes(b, 2, e.Payload)
	return b
}

// UnmarshalEnvelope decodes an envelope.
func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			e.Kind = Kind(s.int64Field())
		case 2:
			e.Payload = s.bytesField()
		default:
			s.skip(num, typ)
		}
	}
	return e, s.finish()
}

func marshalStoreID(id StoreID) []byte {
	var b []byte
	b = appendInt64(b, 1, id.CreationTime)
	b = appendBytes(b, 2, id.RandomID[:])
	b = appendInt64(b, 3, id.UpgradeTime)
	b = appendBytes(b, 4, id.UpgradeID[:])
	return b
}

func unmarshalStoreID(b []byte) (StoreID, error) {
	id := StoreID{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			id.CreationTime = s.int64Field()
		case 2:
			copy(id.RandomID[:], s.bytesField())
		case 3:
			id.UpgradeTime = s.int64Field()
		case 4:
			copy(id.UpgradeID[:], s.bytesField())
		default:
			s.skip(num, typ)
		}
	}
	return id, s.finish()
}

// MarshalVoteRequest encodes a vote request.
func MarshalVoteRequest(m *VoteRequest) []byte {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendInt64(b, 2, m.Term)
	b = appendString(b, 3, m.Candidate)
	b = appendInt64(b, 4, m.LastLogIndex)
	b = appendInt64(b, 5, m.LastLogTerm)
	b = appendBytes(b, 6, marshalStoreID(m.Store))
	return b
}

// UnmarshalVoteRequest decodes a vote request.
func UnmarshalVoteRequest(b []byte) (*VoteRequest, error) {
	m := &VoteRequest{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.From = s.stringField()
		case 2:
			m.Term = s.int64Field()
		case 3:
			m.Candidate = s.stringField()
		case 4:
			m.LastLogIndex = s.int64Field()
		case 5:
			m.LastLogTerm = s.int64Field()
		case 6:
			store, err := unmarshalStoreID(s.bytesField())
			if err != nil {
				return nil, err
			}
			m.Store = store
		default:
			s.skip(num, typ)
		}
	}
	return m, s.finish()
}

// MarshalVoteResponse encodes a vote response.
func MarshalVoteResponse(m *VoteResponse) []byte {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendInt64(b, 2, m.Term)
	b = appendBool(b, 3, m.Granted)
	return b
}

// UnmarshalVoteResponse decodes a vote response.
func UnmarshalVoteResponse(b []byte) (*VoteResponse, error) {
	m := &VoteResponse{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.From = s.stringField()
		case 2:
			m.Term = s.int64Field()
		case 3:
			m.Granted = s.boolField()
		default:
			s.skip(num, typ)
		}
	}
	return m, s.finish()
}

func marshalEntry(e Entry) []byte {
	var b []byte
	b = appendInt64(b, 1, e.Term)
	b = appendBytes(b, 2, e.Data)
	return b
}

func unmarshalEntry(b []byte) (Entry, error) {
	e := Entry{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			e.Term = s.int64Field()
		case 2:
			if data := s.bytesField(); len(data) > 0 {
				e.Data = data
			}
		default:
			s.skip(num, typ)
		}
	}
	return e, s.finish()
}

// MarshalAppendRequest encodes an append request.
func MarshalAppendRequest(m *AppendRequest) []byte {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendInt64(b, 2, m.Term)
	b = appendInt64(b, 3, m.PrevLogIndex)
	b = appendInt64(b, 4, m.PrevLogTerm)
	for _, entry := range m.Entries {
		b = appendBytes(b, 5, marshalEntry(entry))
	}
	b = appendInt64(b, 6, m.LeaderCommit)
	return b
}

// UnmarshalAppendRequest decodes an append request.
func UnmarshalAppendRequest(b []byte) (*AppendRequest, error) {
	m := &AppendRequest{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.From = s.stringField()
		case 2:
			m.Term = s.int64Field()
		case 3:
			m.PrevLogIndex = s.int64Field()
		case 4:
			m.PrevLogTerm = s.int64Field()
		case 5:
			entry, err := unmarshalEntry(s.bytesField())
			if err != nil {
				return nil, err
			}
			m.Entries = append(m.Entries, entry)
		case 6:
			m.LeaderCommit = s.int64Field()
		default:
			s.skip(num, typ)
		}
	}
	return m, s.finish()
}

// MarshalAppendResponse encodes an append response.
func MarshalAppendResponse(m *AppendResponse) []byte {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendInt64(b, 2, m.Term)
	b = appendBool(b, 3, m.Success)
	b = appendInt64(b, 4, m.MatchIndex)
	return b
}

// UnmarshalAppendResponse decodes an append response.
func UnmarshalAppendResponse(b []byte) (*AppendResponse, error) {
	m := &AppendResponse{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.From = s.stringField()
		case 2:
			m.Term = s.int64Field()
		case 3:
			m.Success = s.boolField()
		case 4:
			m.MatchIndex = s.int64Field()
		default:
			s.skip(num, typ)
		}
	}
	return m, s.finish()
}

// MarshalCompactionInfo encodes a log compaction signal.
func MarshalCompactionInfo(m *CompactionInfo) []byte {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendInt64(b, 2, m.Term)
	b = appendInt64(b, 3, m.PrevIndex)
	return b
}

// UnmarshalCompactionInfo decodes a log compaction signal.
func UnmarshalCompactionInfo(b []byte) (*CompactionInfo, error) {
	m := &CompactionInfo{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			m.From = s.stringField()
		case 2:
			m.Term = s.int64Field()
		case 3:
			m.PrevIndex = s.int64Field()
		default:
			s.skip(num, typ)
		}
	}
	return m, s.finish()
}

// MarshalVoteRecord encodes a durable vote record.
func MarshalVoteRecord(r *VoteRecord) []byte {
	var b []byte
	b = appendInt64(b, 1, r.Term)
	b = appendString(b, 2, r.VotedFor)
	return b
}

// UnmarshalVoteRecord decodes a durable vote record.
func UnmarshalVoteRecord(b []byte) (*VoteRecord, error) {
	r := &VoteRecord{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			r.Term = s.int64Field()
		case 2:
			r.VotedFor = s.stringField()
		default:
			s.skip(num, typ)
		}
	}
	return r, s.finish()
}

// MarshalTermRecord encodes a durable term record.
func MarshalTermRecord(r *TermRecord) []byte {
	var b []byte
	b = appendInt64(b, 1, r.Term)
	return b
}

// UnmarshalTermRecord decodes a durable term record.
func UnmarshalTermRecord(b []byte) (*TermRecord, error) {
	r := &TermRecord{}
	s := &fieldScanner{buf: b}
	for {
		num, typ, ok := s.next()
		if !ok {
			break
		}
		switch num {
		case 1:
			r.Term = s.int64Field()
		default:
			s.skip(num, typ)
		}
	}
	return r, s.finish()
}
