package types

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Timestamp is a commit timestamp in nanoseconds since the Unix epoch.
// Commit timestamps are assigned by the single committer and are strictly
// increasing per instance.
type Timestamp uint64

const (
	MinTimestamp Timestamp = 0
	MaxTimestamp Timestamp = ^Timestamp(0)
)

// TimestampFromTime converts a wall clock reading to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

// Time converts the timestamp back to wall clock time.
func (t Timestamp) Time() time.Time {
	return time.Unix(0, int64(t))
}

// Sub returns t - d, saturating at MinTimestamp.
func (t Timestamp) Sub(d time.Duration) Timestamp {
	n := Timestamp(d.Nanoseconds())
	if n > t {
		return MinTimestamp
	}
	return t - n
}

// Add returns t + d, saturating at MaxTimestamp.
func (t Timestamp) Add(d time.Duration) Timestamp {
	n := Timestamp(d.Nanoseconds())
	if MaxTimestamp-t < n {
		return MaxTimestamp
	}
	return t + n
}

func (t Timestamp) String() string {
	return strconv.FormatUint(uint64(t), 10)
}

// TabletID identifies one physical table generation. Table replaces and
// imports create new tablets; the developer-facing table number stays stable.
type TabletID [16]byte

// NewTabletID returns a random tablet id.
func NewTabletID() TabletID {
	return TabletID(uuid.New())
}

func (id TabletID) String() string {
	return hex.EncodeToString(id[:])
}

func (id TabletID) IsZero() bool {
	return id == TabletID{}
}

// ParseTabletID parses the hex form produced by String.
func ParseTabletID(s string) (TabletID, error) {
	var id TabletID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("invalid tablet id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// InternalID is the stable 16-byte identity of a document across revisions.
type InternalID [16]byte

var (
	MinInternalID = InternalID{}
	MaxInternalID = InternalID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

// NewInternalID returns a random internal document id.
func NewInternalID() InternalID {
	return InternalID(uuid.New())
}

func (id InternalID) String() string {
	return hex.EncodeToString(id[:])
}

func (id InternalID) IsZero() bool {
	return id == InternalID{}
}

// ParseInternalID parses the hex form produced by String.
func ParseInternalID(s string) (InternalID, error) {
	var id InternalID
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(id) {
		return id, fmt.Errorf("invalid internal id %q", s)
	}
	copy(id[:], b)
	return id, nil
}

// Less orders internal ids bytewise.
func (id InternalID) Less(other InternalID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// TableNumber is the small integer embedded in developer document ids so ids
// survive tablet swaps.
type TableNumber uint32

var docIDEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DocumentID is the developer-facing document id: table number plus internal
// id, rendered as "<number>;<base32>".
type DocumentID struct {
	Table    TableNumber
	Internal InternalID
}

func (id DocumentID) String() string {
	return fmt.Sprintf("%d;%s", id.Table, strings.ToLower(docIDEncoding.EncodeToString(id.Internal[:])))
}

// ParseDocumentID parses the form produced by String.
func ParseDocumentID(s string) (DocumentID, error) {
	var id DocumentID
	num, rest, ok := strings.Cut(s, ";")
	if !ok {
		return id, fmt.Errorf("invalid document id %q", s)
	}
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return id, fmt.Errorf("invalid document id %q: %w", s, err)
	}
	raw, err := docIDEncoding.DecodeString(strings.ToUpper(rest))
	if err != nil || len(raw) != len(id.Internal) {
		return id, fmt.Errorf("invalid document id %q", s)
	}
	id.Table = TableNumber(n)
	copy(id.Internal[:], raw)
	return id, nil
}

// Object is a JSON document value. A nil Object marks a tombstone.
type Object map[string]any

// Clone returns a shallow copy of the object.
func (o Object) Clone() Object {
	if o == nil {
		return nil
	}
	c := make(Object, len(o))
	for k, v := range o {
		c[k] = v
	}
	return c
}

// System fields present on every stored document.
const (
	FieldID           = "_id"
	FieldCreationTime = "_creationTime"
)

// UdfType classifies user-defined functions for admission control and
// execution limits.
type UdfType string

const (
	UdfQuery      UdfType = "query"
	UdfMutation   UdfType = "mutation"
	UdfAction     UdfType = "action"
	UdfHTTPAction UdfType = "http_action"
)

// WriteSource attributes a commit for diagnostics: the mutation name, a
// system job id, or an import id.
type WriteSource string

const WriteSourceUnknown WriteSource = ""

// Identity is the caller identity attached to a transaction.
type Identity struct {
	Subject string
	Admin   bool
	System  bool
}

// SystemIdentity is used by internal jobs (table creation, imports, the
// table summary bootstrap, session-request lookups).
var SystemIdentity = Identity{Subject: "system", System: true}
