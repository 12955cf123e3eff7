/*Package devices holds the persistent entities of the device access-control model:
devices, owner links and access rules, together with the store contract used by the
access-control engine and the broker.

Two stores implement the contract. SQLStore persists to postgres or sqlite through
core/csql, MemoryStore keeps everything in process memory. Both support transactions
with all-or-nothing semantics.
*/
package devices

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested device does not exist
var ErrNotFound = errors.New("device not found")

// Mode is the access mode of an access rule. The numeric values are the ones the
// broker authentication tables have always used.
type Mode int

// Access modes
const (
	ModeRead      Mode = 1
	ModeWrite     Mode = 2
	ModeReadWrite Mode = 3
)

// AllowsRead reports whether the mode permits subscribing. Write access to a topic namespace
// includes reading it, so that an owner can both command and observe a device.
func (m Mode) AllowsRead() bool {
	return m == ModeRead || m == ModeWrite || m == ModeReadWrite
}

// AllowsWrite reports whether the mode permits publishing
func (m Mode) AllowsWrite() bool {
	return m == ModeWrite || m == ModeReadWrite
}

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeWrite:
		return "write"
	case ModeReadWrite:
		return "read-write"
	}
	return "invalid"
}

// Device is any entity which connects to the broker, a physical device or the virtual
// device standing in for a user account
type Device struct {
	ID                 string
	CredentialHash     string
	Enabled            bool
	Superuser          bool
	Model              string
	Type               string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	LastConnectionAt   *time.Time
	LastConnectionAddr string
}

// OwnerLink establishes that a user controls a device
type OwnerLink struct {
	UserID         string
	DeviceID       string
	DisplayName    string
	IsPrimaryOwner bool
	CreatedAt      time.Time
}

// OwnedDevice is an owner link joined with the device's tags
type OwnedDevice struct {
	OwnerLink
	Model string
	Type  string
}

// AccessRule grants a device reach over a topic pattern. The device may be a user's
// virtual device.
type AccessRule struct {
	DeviceID  string
	Topic     string
	Mode      Mode
	Enabled   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Reader is the read side of the store
type Reader interface {
	// Device returns the device or ErrNotFound
	Device(ctx context.Context, deviceID string) (*Device, error)
	// OwnerLinks returns all owner links of a device
	OwnerLinks(ctx context.Context, deviceID string) ([]OwnerLink, error)
	// OwnedDevices returns the devices a user owns, ordered by device id
	OwnedDevices(ctx context.Context, userID string) ([]OwnedDevice, error)
	// AccessRules returns the access rules of a device, ordered by topic
	AccessRules(ctx context.Context, deviceID string) ([]AccessRule, error)
}

// Writer is the write side of the store
type Writer interface {
	// UpsertDevice creates the device or updates all its attributes except CreatedAt
	UpsertDevice(ctx context.Context, device Device) error
	// SetCredential replaces the credential hash of a device. Returns ErrNotFound for unknown devices.
	SetCredential(ctx context.Context, deviceID, credentialHash string) error
	// TouchConnection records a successful broker connection
	TouchConnection(ctx context.Context, deviceID, addr string, at time.Time) error
	// InsertOwnerLink creates the link. It returns false without error if the (user, device) pair
	// is already linked.
	InsertOwnerLink(ctx context.Context, link OwnerLink) (bool, error)
	// DeleteOwnerLink deletes the link and reports whether it existed
	DeleteOwnerLink(ctx context.Context, userID, deviceID string) (bool, error)
	// UpsertAccessRule creates the rule or updates mode and enabled flag of the existing one
	UpsertAccessRule(ctx context.Context, rule AccessRule) error
	// DeleteAccessRulesLike deletes the rules of a device whose topic matches the SQL LIKE
	// pattern and returns the number of deleted rules
	DeleteAccessRulesLike(ctx context.Context, deviceID, pattern string) (int64, error)
}

// Tx is a store transaction
type Tx interface {
	Reader
	Writer
}

// Store is the persistent store of devices, owner links and access rules
type Store interface {
	Reader
	Writer
	// InTx runs fn in a transaction. The transaction commits if fn returns nil and
	// rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
