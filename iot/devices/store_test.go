package devices

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/relabs-tech/devicecloud/core/csql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) Store {
	db, err := csql.OpenSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return MustNewSQLStore(&Builder{DB: db})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	testStore(t, newSQLiteStore)
}

func TestSQLiteRuleDeletionIsCaseSensitive(t *testing.T) {
	ctx := context.Background()
	// a plain connection without the pragmas of csql.OpenSQLite
	raw, err := sql.Open(csql.SQLite, ":memory:")
	require.NoError(t, err)
	raw.SetMaxOpenConns(1)
	t.Cleanup(func() { raw.Close() })
	s := MustNewSQLStore(&Builder{DB: &csql.DB{DB: raw, Driver: csql.SQLite}})

	for _, topic := range []string{"dev1/#", "DEV1/#", "dev1/a*b"} {
		require.NoError(t, s.UpsertAccessRule(ctx, AccessRule{DeviceID: "alice", Topic: topic, Mode: ModeWrite, Enabled: true}))
	}
	n, err := s.DeleteAccessRulesLike(ctx, "alice", "dev1/%")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	rules, _ := s.AccessRules(ctx, "alice")
	require.Len(t, rules, 1)
	assert.Equal(t, "DEV1/#", rules[0].Topic)
}

func TestGlobPattern(t *testing.T) {
	assert.Equal(t, "dev1/*", globPattern("dev1/%"))
	assert.Equal(t, "a?b*", globPattern("a_b%"))
	assert.Equal(t, "[*][?][[]x]", globPattern("*?[x]"))
}

// testStore runs the same expectations against every Store implementation
func testStore(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("devices", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Device(ctx, "dev1")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpsertDevice(ctx, Device{ID: "dev1", CredentialHash: "h1", Enabled: true, Model: "plug", Type: "switch"}))
		d, err := s.Device(ctx, "dev1")
		require.NoError(t, err)
		assert.Equal(t, "h1", d.CredentialHash)
		assert.True(t, d.Enabled)
		assert.False(t, d.Superuser)
		assert.Equal(t, "plug", d.Model)
		assert.Equal(t, "switch", d.Type)
		assert.Nil(t, d.LastConnectionAt)
		created := d.CreatedAt

		d.Enabled = false
		require.NoError(t, s.UpsertDevice(ctx, *d))
		d, err = s.Device(ctx, "dev1")
		require.NoError(t, err)
		assert.False(t, d.Enabled)
		assert.True(t, created.Equal(d.CreatedAt), "creation time must survive updates")

		require.NoError(t, s.SetCredential(ctx, "dev1", "h2"))
		d, _ = s.Device(ctx, "dev1")
		assert.Equal(t, "h2", d.CredentialHash)
		require.ErrorIs(t, s.SetCredential(ctx, "nope", "h"), ErrNotFound)

		at := time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)
		require.NoError(t, s.TouchConnection(ctx, "dev1", "10.0.0.7", at))
		d, _ = s.Device(ctx, "dev1")
		require.NotNil(t, d.LastConnectionAt)
		assert.True(t, at.Equal(*d.LastConnectionAt))
		assert.Equal(t, "10.0.0.7", d.LastConnectionAddr)
		require.ErrorIs(t, s.TouchConnection(ctx, "nope", "", at), ErrNotFound)
	})

	t.Run("owner links", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertDevice(ctx, Device{ID: "dev1", Enabled: true, Model: "plug"}))
		require.NoError(t, s.UpsertDevice(ctx, Device{ID: "dev2", Enabled: true, Model: "bulb"}))

		inserted, err := s.InsertOwnerLink(ctx, OwnerLink{UserID: "alice", DeviceID: "dev2", DisplayName: "Lamp", IsPrimaryOwner: true})
		require.NoError(t, err)
		assert.True(t, inserted)
		inserted, err = s.InsertOwnerLink(ctx, OwnerLink{UserID: "alice", DeviceID: "dev2", DisplayName: "Other"})
		require.NoError(t, err)
		assert.False(t, inserted, "the pair is unique")
		_, err = s.InsertOwnerLink(ctx, OwnerLink{UserID: "alice", DeviceID: "dev1", DisplayName: "Plug"})
		require.NoError(t, err)

		links, err := s.OwnerLinks(ctx, "dev2")
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, "Lamp", links[0].DisplayName)
		assert.True(t, links[0].IsPrimaryOwner)

		owned, err := s.OwnedDevices(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, owned, 2)
		assert.Equal(t, "dev1", owned[0].DeviceID)
		assert.Equal(t, "plug", owned[0].Model)
		assert.Equal(t, "dev2", owned[1].DeviceID)

		deleted, err := s.DeleteOwnerLink(ctx, "alice", "dev2")
		require.NoError(t, err)
		assert.True(t, deleted)
		deleted, err = s.DeleteOwnerLink(ctx, "alice", "dev2")
		require.NoError(t, err)
		assert.False(t, deleted)
		links, _ = s.OwnerLinks(ctx, "dev2")
		assert.Empty(t, links)
	})

	t.Run("access rules", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertAccessRule(ctx, AccessRule{DeviceID: "dev1", Topic: "dev1/#", Mode: ModeWrite, Enabled: true}))
		require.NoError(t, s.UpsertAccessRule(ctx, AccessRule{DeviceID: "dev1", Topic: "dev1/#", Mode: ModeReadWrite, Enabled: true}))
		require.NoError(t, s.UpsertAccessRule(ctx, AccessRule{DeviceID: "dev1", Topic: "dev10/#", Mode: ModeRead, Enabled: true}))
		require.NoError(t, s.UpsertAccessRule(ctx, AccessRule{DeviceID: "dev1", Topic: "DEV1/#", Mode: ModeRead, Enabled: true}))
		require.NoError(t, s.UpsertAccessRule(ctx, AccessRule{DeviceID: "alice", Topic: "dev1/#", Mode: ModeWrite, Enabled: true}))

		rules, err := s.AccessRules(ctx, "dev1")
		require.NoError(t, err)
		require.Len(t, rules, 3)
		assert.Equal(t, "DEV1/#", rules[0].Topic)
		assert.Equal(t, "dev1/#", rules[1].Topic)
		assert.Equal(t, ModeReadWrite, rules[1].Mode, "upsert updates the mode")

		n, err := s.DeleteAccessRulesLike(ctx, "dev1", "dev1/%")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = s.DeleteAccessRulesLike(ctx, "dev1", "dev1%")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n, "dev10/# matches the prefix, DEV1/# does not")

		rules, _ = s.AccessRules(ctx, "dev1")
		require.Len(t, rules, 1)
		assert.Equal(t, "DEV1/#", rules[0].Topic)
		rules, _ = s.AccessRules(ctx, "alice")
		assert.Len(t, rules, 1, "rules of other devices are untouched")
	})

	t.Run("transactions", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.UpsertDevice(ctx, Device{ID: "dev1", Enabled: true}))

		boom := errors.New("boom")
		err := s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertOwnerLink(ctx, OwnerLink{UserID: "alice", DeviceID: "dev1"}); err != nil {
				return err
			}
			if err := tx.UpsertAccessRule(ctx, AccessRule{DeviceID: "dev1", Topic: "dev1/#", Mode: ModeWrite, Enabled: true}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)
		links, _ := s.OwnerLinks(ctx, "dev1")
		assert.Empty(t, links, "rolled back")
		rules, _ := s.AccessRules(ctx, "dev1")
		assert.Empty(t, rules, "rolled back")

		err = s.InTx(ctx, func(tx Tx) error {
			if _, err := tx.InsertOwnerLink(ctx, OwnerLink{UserID: "alice", DeviceID: "dev1"}); err != nil {
				return err
			}
			links, err := tx.OwnerLinks(ctx, "dev1")
			if err != nil {
				return err
			}
			if len(links) != 1 {
				return errors.New("transaction does not see its own write")
			}
			return tx.UpsertAccessRule(ctx, AccessRule{DeviceID: "dev1", Topic: "dev1/#", Mode: ModeWrite, Enabled: true})
		})
		require.NoError(t, err)
		links, _ = s.OwnerLinks(ctx, "dev1")
		assert.Len(t, links, 1)
		rules, _ = s.AccessRules(ctx, "dev1")
		assert.Len(t, rules, 1)
	})
}
