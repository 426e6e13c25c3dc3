// Package omm models the open message fabric the feed publishes into:
// refresh messages built from bulletin rows, the login and directory
// primitives sessions need, and the wire abstraction that carries them.
package omm

// Message model types (RDM domain values).
const (
	ModelLogin       = 1
	ModelDirectory   = 4
	ModelMarketPrice = 6
)

// Field ids bound on every published row.
const (
	FIDStockRIC  int32 = 1026
	FIDSFName    int32 = 1686
	FIDTimestamp int32 = 6378
	FIDEngineVer int32 = 8569
)

// Metadata identifiers stamped on refresh payloads.
const (
	DictionaryID = 1
	FieldListID  = 3
)

// StreamState is the stream half of a response status.
type StreamState uint8

const (
	StreamUnspecified StreamState = iota
	StreamOpen
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "Open"
	case StreamClosed:
		return "Closed"
	default:
		return "Unspecified"
	}
}

// DataState is the data half of a response status.
type DataState uint8

const (
	DataUnspecified DataState = iota
	DataOk
	DataSuspect
)

func (d DataState) String() string {
	switch d {
	case DataOk:
		return "Ok"
	case DataSuspect:
		return "Suspect"
	default:
		return "Unspecified"
	}
}

// FieldKind selects how a field entry is encoded.
type FieldKind uint8

const (
	KindASCII FieldKind = iota + 1
	KindRMTES
	KindReal64
)

// FieldEntry is one bound field in a refresh payload. Real64 entries carry a
// scaled mantissa with the given power-of-ten exponent; Blank marks a Real64
// published without a value.
type FieldEntry struct {
	FID      int32
	Kind     FieldKind
	Text     string
	Mantissa int64
	Exponent int8
	Blank    bool
}

// ASCIIField builds an ASCII string entry.
func ASCIIField(fid int32, text string) FieldEntry {
	return FieldEntry{FID: fid, Kind: KindASCII, Text: text}
}

// RMTESField builds an RMTES string entry.
func RMTESField(fid int32, text string) FieldEntry {
	return FieldEntry{FID: fid, Kind: KindRMTES, Text: text}
}

// RealField builds a Real64 entry.
func RealField(fid int32, mantissa int64, exponent int8) FieldEntry {
	return FieldEntry{FID: fid, Kind: KindReal64, Mantissa: mantissa, Exponent: exponent}
}

// BlankRealField builds a Real64 entry published blank.
func BlankRealField(fid int32) FieldEntry {
	return FieldEntry{FID: fid, Kind: KindReal64, Blank: true}
}

// RefreshMsg is one unsolicited image for an item stream.
type RefreshMsg struct {
	ServiceName string
	ItemName    string

	Stream StreamState
	Data   DataState

	// Unsolicited refreshes complete the image in one message and replace
	// any cached one.
	Unsolicited bool
	Complete    bool
	ClearCache  bool

	Fields []FieldEntry

	// PermissionData is an encoded DACS lock; nil publishes without one.
	PermissionData []byte
}

// LoginRequest is the streaming login issued once per session, with interest
// in status after the initial image.
type LoginRequest struct {
	UserName      string
	ApplicationID string
	InstanceID    string
	Position      string
}

// ServiceDirectory describes the single service this feed publishes, as sent
// in the directory response after every successful login.
type ServiceDirectory struct {
	ServiceName      string
	Vendor           string
	Capabilities     []int
	DictionariesUsed []string
	QoS              []QualityOfService
	ServiceState     int
}

// QualityOfService is one QoS entry in the directory INFO filter.
type QualityOfService struct {
	Timeliness string
	Rate       string
}

// NewServiceDirectory fills the directory for a service and vendor with the
// capabilities this feed actually serves.
func NewServiceDirectory(serviceName, vendor string) *ServiceDirectory {
	return &ServiceDirectory{
		ServiceName:      serviceName,
		Vendor:           vendor,
		Capabilities:     []int{ModelMarketPrice},
		DictionariesUsed: []string{"RWFFld", "RWFEnum"},
		QoS:              []QualityOfService{{Timeliness: "realTime", Rate: "tickByTick"}},
		ServiceState:     1,
	}
}
