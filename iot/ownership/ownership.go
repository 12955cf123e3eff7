/*Package ownership implements the device access-control engine

The engine decides which user controls which device and projects that decision into
access rules the broker enforces. A user controls a device if and only if there is an
owner link for the pair. Ownership is exclusive: a device activated by one user cannot
be activated by another one until the owner removed it.

Activation grants both the device and the user's virtual device write access to the
device's topic namespace "<device_id>/#". Removal withdraws these rules and rotates the
device credential, so a former owner who knows the old secret loses access as well.

All mutations run in a single store transaction. Domain errors are detected before
anything is written.
*/
package ownership

import (
	"context"
	"errors"
	"fmt"

	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/iot/credentials"
	"github.com/relabs-tech/devicecloud/iot/devices"
	"github.com/relabs-tech/devicecloud/iot/events"
)

// Errors returned by the engine
var (
	ErrNotOwner         = errors.New("caller does not own the device")
	ErrAlreadyOwned     = errors.New("device is owned by another user")
	ErrDeviceNotFound   = errors.New("device does not exist")
	ErrAccountExists    = errors.New("account already exists")
	ErrRegistryConflict = errors.New("access registry update failed")
)

// Tags of user virtual devices
const (
	UserDeviceModel = "application"
	UserDeviceType  = "user"
)

// Engine is the device access-control engine
type Engine struct {
	store          devices.Store
	hasher         *credentials.Hasher
	generateSecret func() (string, error)
}

// Builder is a builder helper for the Engine
type Builder struct {
	// Store is the device store. This is mandatory.
	Store devices.Store
	// Hasher hashes credentials. Defaults to a hasher with credentials.DefaultIterations.
	Hasher *credentials.Hasher
}

// New returns a new engine
func New(b *Builder) *Engine {
	if b.Store == nil {
		panic("Store is missing")
	}
	hasher := b.Hasher
	if hasher == nil {
		hasher = credentials.NewHasher(0)
	}
	return &Engine{
		store:          b.Store,
		hasher:         hasher,
		generateSecret: credentials.GenerateSecret,
	}
}

// NamespaceOf returns the topic pattern a device's owner is granted
func NamespaceOf(deviceID string) string {
	return deviceID + "/#"
}

// DeviceExists returns true if the device is known
func (e *Engine) DeviceExists(ctx context.Context, deviceID string) (bool, error) {
	_, err := e.store.Device(ctx, deviceID)
	if errors.Is(err, devices.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// IsOwnedBy returns true if the user has an owner link to the device
func (e *Engine) IsOwnedBy(ctx context.Context, deviceID, userID string) (bool, error) {
	links, err := e.store.OwnerLinks(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return linkOf(links, userID) != nil, nil
}

// HasAnyOwner returns true if any user has an owner link to the device
func (e *Engine) HasAnyOwner(ctx context.Context, deviceID string) (bool, error) {
	links, err := e.store.OwnerLinks(ctx, deviceID)
	if err != nil {
		return false, err
	}
	return len(links) > 0, nil
}

func linkOf(links []devices.OwnerLink, userID string) *devices.OwnerLink {
	for i := range links {
		if links[i].UserID == userID {
			return &links[i]
		}
	}
	return nil
}

// Attach makes the user the owner of the device. Attaching a device the user already owns
// succeeds and returns the existing link. A device owned by someone else yields ErrAlreadyOwned.
// Account devices created by Register yield ErrDeviceNotFound.
func (e *Engine) Attach(ctx context.Context, userID, deviceID, displayName string) (*devices.OwnerLink, error) {
	var result devices.OwnerLink
	err := e.store.InTx(ctx, func(tx devices.Tx) error {
		device, err := tx.Device(ctx, deviceID)
		if err != nil {
			if errors.Is(err, devices.ErrNotFound) {
				return ErrDeviceNotFound
			}
			return conflict(err)
		}
		// the virtual device of an account belongs to its user and is never attached
		if device.Type == UserDeviceType {
			return ErrDeviceNotFound
		}
		links, err := tx.OwnerLinks(ctx, deviceID)
		if err != nil {
			return conflict(err)
		}
		if existing := linkOf(links, userID); existing != nil {
			result = *existing
			return nil
		}
		if len(links) > 0 {
			return ErrAlreadyOwned
		}

		result = devices.OwnerLink{
			UserID:         userID,
			DeviceID:       deviceID,
			DisplayName:    displayName,
			IsPrimaryOwner: true,
		}
		inserted, err := tx.InsertOwnerLink(ctx, result)
		if err != nil {
			return conflict(err)
		}
		if !inserted {
			return conflict(fmt.Errorf("owner link %s/%s appeared concurrently", userID, deviceID))
		}
		for _, grantee := range []string{deviceID, userID} {
			err := tx.UpsertAccessRule(ctx, devices.AccessRule{
				DeviceID: grantee,
				Topic:    NamespaceOf(deviceID),
				Mode:     devices.ModeWrite,
				Enabled:  true,
			})
			if err != nil {
				return conflict(err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).WithField("device", deviceID).Infoln("device attached")
	return &result, nil
}

// Detach removes the user's ownership of the device. It deletes the owner link, withdraws
// all access rules of the device and of the user for the device's namespace and rotates
// the device credential. Returns ErrNotOwner if the user does not own the device.
func (e *Engine) Detach(ctx context.Context, userID, deviceID string) error {
	secret, err := e.generateSecret()
	if err != nil {
		return err
	}
	hash, err := e.hasher.Hash(secret)
	if err != nil {
		return err
	}

	// the user keeps the namespaces of devices whose id merely shares the prefix
	patterns := map[string]string{
		deviceID: deviceID + "%",
		userID:   deviceID + "/%",
	}
	err = e.store.InTx(ctx, func(tx devices.Tx) error {
		deleted, err := tx.DeleteOwnerLink(ctx, userID, deviceID)
		if err != nil {
			return conflict(err)
		}
		if !deleted {
			return ErrNotOwner
		}
		for grantee, pattern := range patterns {
			if _, err := tx.DeleteAccessRulesLike(ctx, grantee, pattern); err != nil {
				return conflict(err)
			}
		}
		if err := tx.SetCredential(ctx, deviceID, hash); err != nil {
			return conflict(err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger.FromContext(ctx).WithField("device", deviceID).Infoln("device detached, credential rotated")
	return nil
}

// Rekey generates a new secret for the device, stores its hash and returns the secret.
// The secret cannot be retrieved again.
func (e *Engine) Rekey(ctx context.Context, deviceID string) (string, error) {
	secret, err := e.generateSecret()
	if err != nil {
		return "", err
	}
	hash, err := e.hasher.Hash(secret)
	if err != nil {
		return "", err
	}
	if err := e.store.SetCredential(ctx, deviceID, hash); err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return "", ErrDeviceNotFound
		}
		return "", err
	}
	return secret, nil
}

// RekeyOwned is Rekey for a device the user must own
func (e *Engine) RekeyOwned(ctx context.Context, userID, deviceID string) (string, error) {
	exists, err := e.DeviceExists(ctx, deviceID)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", ErrDeviceNotFound
	}
	owned, err := e.IsOwnedBy(ctx, deviceID, userID)
	if err != nil {
		return "", err
	}
	if !owned {
		return "", ErrNotOwner
	}
	return e.Rekey(ctx, deviceID)
}

// Register creates the virtual device of a new account with password as broker credential,
// and grants it write access to the namespace "<user>/#". The returned event asks the
// mail collaborator to verify the account.
func (e *Engine) Register(ctx context.Context, userID, password string) (*events.Event, error) {
	if userID == "" || password == "" {
		return nil, errors.New("user and password are required")
	}
	hash, err := e.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	err = e.store.InTx(ctx, func(tx devices.Tx) error {
		_, err := tx.Device(ctx, userID)
		if err == nil {
			return ErrAccountExists
		}
		if !errors.Is(err, devices.ErrNotFound) {
			return conflict(err)
		}
		err = tx.UpsertDevice(ctx, devices.Device{
			ID:             userID,
			CredentialHash: hash,
			Enabled:        true,
			Model:          UserDeviceModel,
			Type:           UserDeviceType,
		})
		if err != nil {
			return conflict(err)
		}
		err = tx.UpsertAccessRule(ctx, devices.AccessRule{
			DeviceID: userID,
			Topic:    NamespaceOf(userID),
			Mode:     devices.ModeWrite,
			Enabled:  true,
		})
		if err != nil {
			return conflict(err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	event := events.New(events.VerificationRequired, userID, userID)
	return &event, nil
}

// SetAccountSecret replaces the broker credential of the user's virtual device
func (e *Engine) SetAccountSecret(ctx context.Context, userID, secret string) error {
	if secret == "" {
		return errors.New("secret is required")
	}
	hash, err := e.hasher.Hash(secret)
	if err != nil {
		return err
	}
	if err := e.store.SetCredential(ctx, userID, hash); err != nil {
		if errors.Is(err, devices.ErrNotFound) {
			return ErrDeviceNotFound
		}
		return err
	}
	return nil
}

// Devices returns the devices the user owns
func (e *Engine) Devices(ctx context.Context, userID string) ([]devices.OwnedDevice, error) {
	return e.store.OwnedDevices(ctx, userID)
}

func conflict(err error) error {
	return fmt.Errorf("%w: %v", ErrRegistryConflict, err)
}
